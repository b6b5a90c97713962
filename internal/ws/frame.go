package ws

import "parley/internal/docstore"

// Frame types exchanged on the realtime socket.
const (
	FrameConnected = "connected"
	FrameEvent     = "event"
	FrameError     = "error"
	FramePing      = "ping"
	FramePong      = "pong"
)

type Frame struct {
	Type    string          `json:"type"`
	Data    *docstore.Event `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}
