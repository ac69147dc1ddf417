package settings

import (
	"context"
	"strconv"
)

// Keys persisted on the device.
const (
	KeyWakeKeyword = "wake_keyword"
	KeyDisplayText = "display_text"
	KeyVolume      = "volume"
	KeyMusicURL    = "music_url"
)

// Store persists device settings as flat key/value pairs.
type Store interface {
	Load(ctx context.Context) (map[string]string, error)
	// Save upserts the given keys; other keys are left as they are.
	Save(ctx context.Context, values map[string]string) error
	Close() error
}

// Snapshot is an immutable view of the settings at one version.
type Snapshot struct {
	Version uint64            `json:"version"`
	Values  map[string]string `json:"values"`
}

func (s Snapshot) Get(key string) string { return s.Values[key] }

func (s Snapshot) WakeKeyword() string { return s.Values[KeyWakeKeyword] }

func (s Snapshot) DisplayText() string { return s.Values[KeyDisplayText] }

// Volume returns the stored volume, or fallback when unset or invalid.
func (s Snapshot) Volume(fallback int) int {
	v, err := strconv.Atoi(s.Values[KeyVolume])
	if err != nil {
		return fallback
	}
	return v
}
