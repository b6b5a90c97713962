package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parley/internal/content"
	"parley/internal/obs"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrLoginFailed     = errors.New("login failed")
	ErrTooManyAttempts = errors.New("too many failed login attempts")
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrInvalidAccount  = errors.New("invalid account data")
)

// Account is a registered identity. Its ID is the user id other
// components refer to.
type Account struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	CreatedAt    int64  `json:"createdAt"`
}

type Session struct {
	Token     string
	ExpiresAt int64
	Account   Account
}

type credentials struct {
	Account
	// Consecutive failed login attempts, to throttle brute force attacks.
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (c *credentials) resetFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts = 0
	c.LastAttemptTime = now.Unix()
}

func (c *credentials) incrementFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts++
	c.LastAttemptTime = now.Unix()
}

type accountStore interface {
	UpsertAccount(Account) error
	ListAccounts() ([]Account, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type Service struct {
	Config
	// accounts is keyed by lowercased email.
	accounts   *geche.Locker[string, *credentials]
	byID       geche.Geche[string, Account]
	liveTokens geche.Geche[string, string]
	store      accountStore
	logger     *slog.Logger
	hashCost   int
	now        func() time.Time
}

// NewService loads persisted accounts from store. A nil store keeps
// accounts in memory only.
func NewService(ctx context.Context, config Config, store accountStore, logger *slog.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		Config:     config,
		accounts:   geche.NewLocker[string, *credentials](geche.NewMapCache[string, *credentials]()),
		byID:       geche.NewMapCache[string, Account](),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		store:      store,
		logger:     obs.OrDefault(logger),
		hashCost:   bcrypt.DefaultCost,
		now:        time.Now,
	}

	if store == nil {
		return s, nil
	}

	accounts, err := store.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	tx := s.accounts.Lock()
	defer tx.Unlock()
	for _, a := range accounts {
		tx.Set(emailKey(a.Email), &credentials{Account: a})
		s.byID.Set(a.ID, a)
	}
	return s, nil
}

// Register creates an account with the given password.
func (s *Service) Register(username, email, password string) (Account, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if err := content.ValidateUsername(username); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	if err := content.ValidateEmail(email); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	if err := content.ValidatePassword(password); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return Account{}, fmt.Errorf("failed to hash password: %w", err)
	}

	tx := s.accounts.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(emailKey(email)); err == nil {
		return Account{}, ErrUserExists
	}

	account := Account{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().Unix(),
	}
	if s.store != nil {
		if err := s.store.UpsertAccount(account); err != nil {
			return Account{}, fmt.Errorf("failed to persist account: %w", err)
		}
	}
	tx.Set(emailKey(email), &credentials{Account: account})
	s.byID.Set(account.ID, account)

	s.logger.Info("account registered", "user_id", account.ID, "username", username)
	return account, nil
}

// AddUser registers an account with a generated password and returns it.
func (s *Service) AddUser(username, email string) (Account, string, error) {
	password, err := generatePassword()
	if err != nil {
		return Account{}, "", err
	}
	account, err := s.Register(username, email, password)
	if err != nil {
		return Account{}, "", err
	}
	return account, password, nil
}

func (s *Service) Login(email, password string) (Session, error) {
	now := s.now()
	tx := s.accounts.Lock()
	defer tx.Unlock()
	user, err := tx.Get(emailKey(strings.TrimSpace(email)))
	if err != nil {
		return Session{}, ErrLoginFailed
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		failedAttempts := user.FailedLoginAttempts
		nextAttempt := user.LastAttemptTime + 30*(failedAttempts*failedAttempts)
		if now.Unix() < nextAttempt {
			return Session{}, fmt.Errorf("%w: next attempt in %d seconds", ErrTooManyAttempts, nextAttempt-now.Unix())
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		user.incrementFailedLoginAttempts(now)
		return Session{}, ErrLoginFailed
	}

	token, err := generateToken()
	if err != nil {
		s.logger.Error("login failed", "user_id", user.ID, "error", err)
		return Session{}, err
	}

	s.liveTokens.Set(s.hashToken(token), user.ID)
	user.resetFailedLoginAttempts(now)

	return Session{
		Token:     token,
		ExpiresAt: now.Unix() + int64(s.TokenExpiry.Seconds()),
		Account:   user.Account,
	}, nil
}

func (s *Service) Logoff(token string) error {
	return s.liveTokens.Del(s.hashToken(token))
}

// UserID resolves a bearer token to its account id.
func (s *Service) UserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	id, err := s.liveTokens.Get(s.hashToken(token))
	if err != nil {
		return "", ErrInvalidToken
	}
	return id, nil
}

func (s *Service) Account(id string) (Account, error) {
	a, err := s.byID.Get(id)
	if err != nil {
		return Account{}, fmt.Errorf("account %s: %w", id, err)
	}
	return a, nil
}

// Tokens are cached by their HMAC, never in the clear.
func (s *Service) hashToken(token string) string {
	h := hmac.New(sha512.New, s.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func emailKey(email string) string {
	return strings.ToLower(email)
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func generatePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
