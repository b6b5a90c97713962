// Package presence reports whether the signed-in user is online.
// Reports are advisory: timeouts and network failures are logged and dropped.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parley/internal/docstore"
	"parley/internal/obs"
)

const DefaultTimeout = 5 * time.Second

type presenceWriter interface {
	SetPresence(ctx context.Context, userID string, online bool) error
}

type Reporter struct {
	users   presenceWriter
	timeout time.Duration
	logger  *slog.Logger
	// detached tracks fire-and-forget reports so a process can drain them on exit.
	detached sync.WaitGroup
}

func NewReporter(users presenceWriter, timeout time.Duration, logger *slog.Logger) *Reporter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reporter{users: users, timeout: timeout, logger: obs.OrDefault(logger)}
}

// SetOnline writes the flag within the reporter timeout. Timeout and
// network failures are swallowed; anything else, including cancellation
// of ctx by the caller, is returned.
func (r *Reporter) SetOnline(ctx context.Context, userID string, online bool) error {
	if userID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.users.SetPresence(ctx, userID, online)
	switch {
	case err == nil:
		return nil
	case docstore.IsTransient(err):
		r.logger.Warn("presence update dropped", "user_id", userID, "online", online, "error", err)
		return nil
	default:
		return err
	}
}

// Detach reports in the background with its own timeout. The caller never
// waits for it and nothing is retried.
func (r *Reporter) Detach(userID string, online bool) {
	r.detached.Add(1)
	go func() {
		defer r.detached.Done()
		if err := r.SetOnline(context.Background(), userID, online); err != nil {
			r.logger.Warn("presence update failed", "user_id", userID, "online", online, "error", err)
		}
	}()
}

// Wait blocks until detached reports finish or ctx ends.
func (r *Reporter) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// OnLogin and OnRegister mark a freshly signed-in user online.
func (r *Reporter) OnLogin(ctx context.Context, userID string) error {
	return r.SetOnline(ctx, userID, true)
}

func (r *Reporter) OnRegister(ctx context.Context, userID string) error {
	return r.SetOnline(ctx, userID, true)
}

// OnVisibility follows the client becoming hidden or visible again.
func (r *Reporter) OnVisibility(userID string, hidden bool) {
	r.Detach(userID, !hidden)
}

// OnUnload reports the user offline without blocking the caller.
func (r *Reporter) OnUnload(userID string) {
	r.Detach(userID, false)
}

// Run reports the user online every interval until ctx ends, then reports
// it offline in the background.
func (r *Reporter) Run(ctx context.Context, userID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.heartbeat(ctx, userID)
	for {
		select {
		case <-ctx.Done():
			r.OnUnload(userID)
			return
		case <-ticker.C:
			r.heartbeat(ctx, userID)
		}
	}
}

func (r *Reporter) heartbeat(ctx context.Context, userID string) {
	if err := r.SetOnline(ctx, userID, true); err != nil && ctx.Err() == nil {
		r.logger.Warn("presence heartbeat failed", "user_id", userID, "error", err)
	}
}
