package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"parley/internal/conversations"
	"parley/internal/docstore"
	"parley/internal/livesync"
	"parley/internal/messages"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/users"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const chatHelp = `Type a message and press enter to send it.
  /older      load older messages
  /refresh    reload the latest page
  /reconnect  start over after the connection gave up
  /dismiss    hide the current error
  /away       appear offline
  /back       appear online again
  /quit       leave the chat`

func (s *session) chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <user-id>",
		Short: "Open a live conversation with another user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.chat(cmd.Context(), strings.TrimSpace(args[0]))
		},
	}
}

func (s *session) policy() livesync.Policy {
	return livesync.Policy{
		PageSize:       s.cfg.PageSize,
		BaseDelay:      s.cfg.ReconnectBase,
		MaxAttempts:    s.cfg.ReconnectMax,
		SubscribeDelay: s.cfg.SubscribeDelay,
	}
}

func (s *session) chat(ctx context.Context, otherID string) error {
	me, err := s.me(ctx)
	if err != nil {
		return err
	}

	convs := conversations.New(s.client, s.logger)
	conv, err := convs.ResolveOrCreate(ctx, me.UserID, otherID)
	if err != nil {
		return err
	}

	engine := livesync.New(livesync.Config{
		Policy:  s.policy(),
		Channel: docstore.DocumentsChannel(s.cfg.DatabaseID, models.CollectionMessages),
		Logger:  s.logger,
	}, messages.New(s.client, s.logger), convs, s.client)
	reporter := s.reporter(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := readLines(ctx, s.in)

	fmt.Fprintln(s.out, chatHelp)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gCtx)
	})
	g.Go(func() error {
		reporter.Run(gCtx, me.UserID, s.cfg.PresenceInterval)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		c := &chatLoop{
			out:      s.out,
			engine:   engine,
			reporter: reporter,
			me:       me,
			conv:     conv.ID,
			view:     newRenderer(s.out, me.UserID),
		}
		return c.run(gCtx, lines)
	})
	engine.Select(conv.ID)

	err = g.Wait()

	// Give the offline report a chance to land before the process exits.
	waitCtx, cancelWait := context.WithTimeout(context.Background(), s.cfg.PresenceTimeout)
	defer cancelWait()
	reporter.Wait(waitCtx)
	return err
}

// readLines feeds input lines to the returned channel, which is closed at EOF.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

type chatEngine interface {
	Select(conversationID string)
	LoadOlder()
	Refresh()
	DismissError()
	Send(ctx context.Context, authorID, authorName, text string) (models.Message, error)
	Snapshot() livesync.View
	Updates() <-chan struct{}
}

type visibility interface {
	OnVisibility(userID string, hidden bool)
}

type chatLoop struct {
	out      io.Writer
	engine   chatEngine
	reporter visibility
	me       users.Profile
	conv     string
	view     *renderer
}

var _ visibility = (*presence.Reporter)(nil)

func (c *chatLoop) run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.engine.Updates():
			c.view.render(c.engine.Snapshot())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to leave.
func (c *chatLoop) handle(ctx context.Context, line string) bool {
	switch line {
	case "":
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, chatHelp)
	case "/older":
		c.engine.LoadOlder()
	case "/refresh":
		c.engine.Refresh()
	case "/reconnect":
		c.view.reset()
		c.engine.Select(c.conv)
	case "/dismiss":
		c.engine.DismissError()
	case "/away":
		c.reporter.OnVisibility(c.me.UserID, true)
	case "/back":
		c.reporter.OnVisibility(c.me.UserID, false)
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Fprintf(c.out, "unknown command %s, try /help\n", line)
			return false
		}
		if _, err := c.engine.Send(ctx, c.me.UserID, c.me.Username, line); err != nil {
			if errors.Is(err, livesync.ErrNoConversation) {
				fmt.Fprintln(c.out, "!! still loading, try again")
				return false
			}
			fmt.Fprintf(c.out, "!! message not sent: %v\n", err)
		}
	}
	return false
}
