package commands

import (
	"fmt"
	"io"
	"time"

	"parley/internal/livesync"
	"parley/internal/models"
)

// renderer prints what changed between successive engine views.
type renderer struct {
	w      io.Writer
	me     string
	seen   map[string]bool
	status livesync.ConnStatus
	phase  livesync.Phase
	err    string
}

func newRenderer(w io.Writer, me string) *renderer {
	r := &renderer{w: w, me: me}
	r.reset()
	return r
}

func (r *renderer) reset() {
	r.seen = map[string]bool{}
	r.status = ""
	r.phase = livesync.PhaseIdle
	r.err = ""
}

func (r *renderer) render(v livesync.View) {
	if v.Phase != r.phase || v.Status != r.status {
		if line := statusLine(v); line != "" {
			fmt.Fprintf(r.w, "-- %s\n", line)
		}
		r.phase, r.status = v.Phase, v.Status
	}

	for _, m := range v.Messages {
		if r.seen[m.ID] {
			continue
		}
		r.seen[m.ID] = true
		fmt.Fprintln(r.w, r.format(m))
	}

	errText := ""
	if v.Err != nil {
		errText = v.Err.Error()
	}
	if errText != "" && errText != r.err {
		fmt.Fprintf(r.w, "!! %s\n", errText)
	}
	r.err = errText
}

func (r *renderer) format(m models.Message) string {
	name := m.Username
	if m.UserID == r.me {
		name = "you"
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.TimeOnly), name, m.Content)
}

func statusLine(v livesync.View) string {
	switch v.Phase {
	case livesync.PhaseLoading:
		return "loading messages"
	case livesync.PhaseFailed:
		return "connection lost, type /reconnect to try again"
	case livesync.PhaseReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d)", v.Attempt)
	}
	switch v.Status {
	case livesync.StatusConnected:
		return "live"
	case livesync.StatusDisconnected:
		if v.Phase == livesync.PhaseLive {
			return "connecting"
		}
	}
	return ""
}
