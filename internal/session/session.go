package session

import (
	"context"
	"time"

	"github.com/ent0n29/voxlink/internal/audio"
	"github.com/ent0n29/voxlink/internal/protocol"
	"github.com/ent0n29/voxlink/internal/settings"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHandshake
	StateActive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "idle"
	}
}

// Source names what started a session.
type Source string

const (
	SourceWakeword Source = "wakeword"
	SourceButton   Source = "button"
	SourceRemote   Source = "remote"
	SourceHTTP     Source = "http"
)

// Session is the state of the one conversation the device may hold.
type Session struct {
	ID             string
	Gen            uint64
	State          State
	Source         Source
	LastItemID     string
	InterruptFlag  bool
	// TruncateItemID is the item whose truncation clears InterruptFlag.
	TruncateItemID string
	StartedAt      time.Time
	ActiveAt       time.Time
}

// Status is the JSON view served by the control surface.
type Status struct {
	SessionID       string     `json:"session_id,omitempty"`
	State           string     `json:"state"`
	Source          Source     `json:"source,omitempty"`
	LastItemID      string     `json:"last_item_id,omitempty"`
	InterruptFlag   bool       `json:"interrupt_flag"`
	TruncateItemID  string     `json:"truncate_item_id,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LowPower        bool       `json:"low_power"`
	SettingsVersion uint64     `json:"settings_version"`
}

// Client is the streaming connection used by a session.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsHealthy() bool
	Done() <-chan struct{}
	SetHandler(h func(protocol.Event))
	AppendAudio(frame []byte) error
	CancelResponse() error
	TruncateItem(itemID string) error
}

// Bridge is the subset of the audio bridge the coordinator drives.
type Bridge interface {
	SwitchTo(mode audio.Mode) error
	StartCapture(up audio.Uplink) error
	StopCapture() error
	StartPlayback() error
	StopPlayback() error
	Playback(frame []byte) error
	Flush() error
}

// Gate is the wake keyword detector the session holds while it runs.
type Gate interface {
	Start() error
	Stop() error
	Hold() error
	Release() error
}

type MusicPlayer interface {
	Stop()
	Playing() bool
}

type SettingsSource interface {
	Snapshot() settings.Snapshot
	Subscribe() (<-chan settings.Snapshot, func())
}
