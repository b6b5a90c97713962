package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"parley/internal/config"
	"parley/internal/conversations"
	"parley/internal/docstore"
	"parley/internal/obs"
	"parley/internal/presence"
	"parley/internal/remote"
	"parley/internal/users"

	"github.com/spf13/cobra"
)

var ErrNotSignedIn = errors.New("not signed in, run parley-cli login first")

// session holds what every client command needs once configuration is read.
type session struct {
	in     io.Reader
	out    io.Writer
	cfg    *config.Client
	logger *slog.Logger
	client *remote.Client
}

// NewRootCommand builds the parley-cli command tree reading from in and
// printing to out.
func NewRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	s := &session{in: in, out: out}
	root := &cobra.Command{
		Use:   "parley-cli",
		Short: "Direct messages from the terminal",
		Long: `parley-cli signs in to a parley server, lists users and conversations
and opens a live chat with another user.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.init(cmd.ErrOrStderr())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetIn(in)
	root.SetOut(out)

	root.AddCommand(
		s.registerCmd(),
		s.loginCmd(),
		s.logoutCmd(),
		s.usersCmd(),
		s.conversationsCmd(),
		s.chatCmd(),
	)
	return root
}

// Execute runs the CLI until it finishes or ctx is canceled.
func Execute(ctx context.Context) {
	if err := NewRootCommand(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (s *session) init(logOut io.Writer) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.logger = obs.NewLoggerTo(logOut, cfg.Env, obs.ParseLevel(cfg.LogLevel))

	token := cfg.Token
	if token == "" {
		if token, err = readToken(cfg.TokenFile); err != nil {
			return err
		}
	}
	s.client = remote.New(cfg.ServerURL, token, s.logger)
	return nil
}

func readToken(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func saveToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *session) reporter(ctx context.Context) *presence.Reporter {
	return presence.NewReporter(s.users(ctx), s.cfg.PresenceTimeout, s.logger)
}

func (s *session) users(ctx context.Context) *users.Directory {
	return users.New(ctx, s.client, s.cfg.UsersRefresh, s.logger)
}

// me resolves the signed-in profile.
func (s *session) me(ctx context.Context) (users.Profile, error) {
	if s.client.Token() == "" {
		return users.Profile{}, ErrNotSignedIn
	}
	acct, err := s.client.Account(ctx)
	if errors.Is(err, docstore.ErrPermissionDenied) {
		return users.Profile{}, ErrNotSignedIn
	}
	if err != nil {
		return users.Profile{}, err
	}
	return users.Profile{UserID: acct.UserID, Username: acct.Username, Email: acct.Email}, nil
}

// signedIn persists the token and publishes the profile of a new session.
func (s *session) signedIn(ctx context.Context, p users.Profile, registered bool) error {
	if err := saveToken(s.cfg.TokenFile, s.client.Token()); err != nil {
		return err
	}
	if _, err := s.users(ctx).Upsert(ctx, p); err != nil {
		return fmt.Errorf("failed to publish profile: %w", err)
	}
	reporter := s.reporter(ctx)
	if registered {
		return reporter.OnRegister(ctx, p.UserID)
	}
	return reporter.OnLogin(ctx, p.UserID)
}

func (s *session) registerCmd() *cobra.Command {
	var username, email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			acct, err := s.client.Register(ctx, username, email, password)
			if err != nil {
				return err
			}
			if _, err := s.client.Login(ctx, email, password); err != nil {
				return err
			}
			p := users.Profile{UserID: acct.UserID, Username: acct.Username, Email: acct.Email}
			if err := s.signedIn(ctx, p, true); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Registered %s (%s)\n", acct.Username, acct.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address used to sign in")
	cmd.Flags().StringVar(&password, "password", "", "password, at least 8 characters")
	for _, f := range []string{"username", "email", "password"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func (s *session) loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := s.client.Login(ctx, email, password)
			if err != nil {
				return err
			}
			p := users.Profile{UserID: sess.UserID, Username: sess.Username, Email: sess.Email}
			if err := s.signedIn(ctx, p, false); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Signed in as %s\n", sess.Username)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (s *session) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			me, err := s.me(ctx)
			if err != nil {
				return err
			}
			if err := s.reporter(ctx).SetOnline(ctx, me.UserID, false); err != nil {
				s.logger.Warn("failed to report offline", "user_id", me.UserID, "error", err)
			}
			if err := s.client.Logout(ctx); err != nil {
				return err
			}
			if err := os.Remove(s.cfg.TokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove token file: %w", err)
			}
			fmt.Fprintln(s.out, "Signed out")
			return nil
		},
	}
}

func (s *session) usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List users and whether they are online",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			me, err := s.me(ctx)
			if err != nil {
				return err
			}
			list, err := s.users(ctx).List(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSERNAME\tSTATUS\tLAST SEEN")
			for _, u := range list {
				if u.UserID == me.UserID {
					continue
				}
				status := "offline"
				if u.IsOnline {
					status = "online"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.UserID, u.Username, status, u.LastSeen.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func (s *session) conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "List your conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			me, err := s.me(ctx)
			if err != nil {
				return err
			}
			convs, err := conversations.New(s.client, s.logger).ListForUser(ctx, me.UserID)
			if err != nil {
				return err
			}

			names := map[string]string{}
			if list, err := s.users(ctx).List(ctx); err == nil {
				for _, u := range list {
					names[u.UserID] = u.Username
				}
			} else {
				s.logger.Warn("failed to list users", "error", err)
			}

			tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WITH\tUSER ID\tLAST MESSAGE\tAT")
			for _, c := range convs {
				other := conversations.OtherParticipant(c, me.UserID)
				name := names[other]
				if name == "" {
					name = "?"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, other, c.LastMessage, c.LastMessageAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}
