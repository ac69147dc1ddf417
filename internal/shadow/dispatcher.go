package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/logging"
	"github.com/ent0n29/voxlink/internal/observability"
	"github.com/ent0n29/voxlink/internal/session"
	"github.com/ent0n29/voxlink/internal/settings"
)

// Property ids of the device model.
const (
	PropWake        = 1
	PropWakeResult  = 2
	PropWakePhrase  = 3
	PropVolume      = 4
	PropDeviceMode  = 5
	PropSwitch      = 6
	PropChatMode    = 7
	PropBattery     = 8
	PropCharging    = 9
	PropMusicURL    = 10
	PropAgentParams = 11
	PropAccessMode  = 13
	PropVADMode     = 14
)

var ErrUnknownProperty = errors.New("unknown shadow property")

// Engine is the session side of the dispatcher.
type Engine interface {
	Trigger(src session.Source) bool
	NoteActivity()
}

type VolumeControl interface {
	SetVolume(level int) (int, error)
	Volume() int
}

type MusicPlayer interface {
	Play(ctx context.Context, rawURL string) error
}

type SettingsStore interface {
	Snapshot() settings.Snapshot
	Update(ctx context.Context, updates map[string]string) (settings.Snapshot, error)
}

type Config struct {
	Engine   Engine
	Volume   VolumeControl
	Music    MusicPlayer
	Settings SettingsStore
	// Reported holds fixed values returned for read-only properties.
	// Nil uses DefaultReported.
	Reported map[int]any
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// DefaultReported are the values a device without the matching sensors reports.
func DefaultReported() map[int]any {
	return map[int]any{
		PropWakeResult: true,
		PropDeviceMode: 1,
		PropChatMode:   1,
		PropBattery:    90,
		PropCharging:   1,
		PropAccessMode: 1,
		PropVADMode:    1,
	}
}

// Dispatcher applies property writes from the device shadow and answers reads.
type Dispatcher struct {
	engine   Engine
	volume   VolumeControl
	music    MusicPlayer
	settings SettingsStore
	reported map[int]any
	log      *zap.Logger
	metrics  *observability.Metrics
}

func NewDispatcher(cfg Config) *Dispatcher {
	reported := cfg.Reported
	if reported == nil {
		reported = DefaultReported()
	}
	return &Dispatcher{
		engine:   cfg.Engine,
		volume:   cfg.Volume,
		music:    cfg.Music,
		settings: cfg.Settings,
		reported: reported,
		log:      logging.OrNop(cfg.Logger).Named("shadow"),
		metrics:  cfg.Metrics,
	}
}

// WakePhrase is the value shape of property 3: a list holding one entry with
// field 1 the display text and field 2 the keyword.
type WakePhrase []map[string]string

// Apply handles one write command. Every property is attempted; failures are
// joined into the returned error.
func (d *Dispatcher) Apply(ctx context.Context, props map[int]json.RawMessage) error {
	if d.engine != nil {
		d.engine.NoteActivity()
	}
	var errs []error
	for _, id := range sortedIDs(props) {
		if err := d.apply(ctx, id, props[id]); err != nil {
			errs = append(errs, fmt.Errorf("property %d: %w", id, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		d.metrics.ObserveError(err)
	}
	return err
}

func (d *Dispatcher) apply(ctx context.Context, id int, raw json.RawMessage) error {
	switch id {
	case PropWake:
		if d.engine == nil {
			return errors.New("no engine")
		}
		acted := d.engine.Trigger(session.SourceRemote)
		d.log.Info("remote wake", zap.Bool("acted", acted))
		return nil

	case PropWakePhrase:
		var phrase WakePhrase
		if err := json.Unmarshal(raw, &phrase); err != nil {
			return fmt.Errorf("decode wake phrase: %w", err)
		}
		if len(phrase) == 0 {
			return errors.New("empty wake phrase")
		}
		display, keyword := strings.TrimSpace(phrase[0]["1"]), strings.TrimSpace(phrase[0]["2"])
		if keyword == "" {
			return errors.New("wake phrase has no keyword")
		}
		if err := d.save(ctx, map[string]string{
			settings.KeyDisplayText: display,
			settings.KeyWakeKeyword: keyword,
		}); err != nil {
			return err
		}
		d.log.Info("wake phrase set", zap.String("display_text", display), zap.String("keyword", keyword))
		return nil

	case PropVolume:
		var level int
		if err := json.Unmarshal(raw, &level); err != nil {
			return fmt.Errorf("decode volume: %w", err)
		}
		_, err := d.SetVolume(ctx, level)
		return err

	case PropMusicURL:
		var rawURL string
		if err := json.Unmarshal(raw, &rawURL); err != nil {
			return fmt.Errorf("decode music url: %w", err)
		}
		if d.music == nil {
			return errors.New("no music player")
		}
		// The stream outlives the command that started it.
		if err := d.music.Play(context.WithoutCancel(ctx), rawURL); err != nil {
			return err
		}
		d.log.Info("music playback requested", zap.String("url", rawURL))
		return d.save(ctx, map[string]string{settings.KeyMusicURL: rawURL})

	case PropDeviceMode, PropSwitch, PropChatMode, PropAgentParams, PropAccessMode:
		d.log.Info("shadow property received", zap.Int("id", id), zap.ByteString("value", raw))
		return nil

	default:
		d.log.Warn("shadow property ignored", zap.Int("id", id))
		return fmt.Errorf("%w: %d", ErrUnknownProperty, id)
	}
}

// SetVolume applies level to the device and persists the clamped result.
func (d *Dispatcher) SetVolume(ctx context.Context, level int) (int, error) {
	if d.volume == nil {
		return 0, errors.New("no volume control")
	}
	set, err := d.volume.SetVolume(level)
	if err != nil {
		return 0, fmt.Errorf("set volume: %w", err)
	}
	d.log.Info("volume set", zap.Int("requested", level), zap.Int("level", set))
	return set, d.save(ctx, map[string]string{settings.KeyVolume: strconv.Itoa(set)})
}

// Volume returns the device volume, or 0 without a volume control.
func (d *Dispatcher) Volume() int {
	if d.volume == nil {
		return 0
	}
	return d.volume.Volume()
}

func (d *Dispatcher) save(ctx context.Context, values map[string]string) error {
	if d.settings == nil {
		return nil
	}
	if _, err := d.settings.Update(ctx, values); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	return nil
}

// Read returns the current value of each readable id. Ids with nothing to
// report are omitted.
func (d *Dispatcher) Read(ids []int) map[int]any {
	if d.engine != nil {
		d.engine.NoteActivity()
	}
	out := make(map[int]any, len(ids))
	for _, id := range ids {
		switch id {
		case PropWakePhrase:
			var snap settings.Snapshot
			if d.settings != nil {
				snap = d.settings.Snapshot()
			}
			out[id] = WakePhrase{{"1": snap.DisplayText(), "2": snap.WakeKeyword()}}
		case PropVolume:
			if d.volume != nil {
				out[id] = d.volume.Volume()
			}
		default:
			if v, ok := d.reported[id]; ok {
				out[id] = v
			}
		}
	}
	return out
}

// ReadableIDs lists every id Read can answer.
func (d *Dispatcher) ReadableIDs() []int {
	ids := []int{PropWakePhrase, PropVolume}
	for id := range d.reported {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// DecodeCommand parses a JSON object keyed by property id.
func DecodeCommand(raw []byte) (map[int]json.RawMessage, error) {
	var byKey map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("decode shadow command: %w", err)
	}
	props := make(map[int]json.RawMessage, len(byKey))
	for k, v := range byKey {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("property id %q is not a number", k)
		}
		props[id] = v
	}
	return props, nil
}

func sortedIDs(props map[int]json.RawMessage) []int {
	ids := make([]int, 0, len(props))
	for id := range props {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
