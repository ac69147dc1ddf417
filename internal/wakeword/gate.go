package wakeword

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/logging"
)

// ErrGateHeld is returned by Start while a session owns the audio device.
var ErrGateHeld = errors.New("wakeword gate held by active session")

// DetectFunc receives the detector's two status flags.
type DetectFunc func(spotted, busy bool)

// Detector is the keyword spotting engine.
type Detector interface {
	Start(keyword string, threshold float64, cb DetectFunc) error
	// Stop disarms detection and returns once the worker has exited.
	Stop() error
}

type State int

const (
	StateDisarmed State = iota
	StateArmed
	StateHeld
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateHeld:
		return "held"
	default:
		return "disarmed"
	}
}

type Config struct {
	Detector  Detector
	Keyword   func() string
	Threshold float64
	OnTrigger func()
	Logger    *zap.Logger
}

// Gate turns detector callbacks into edge-triggered wake events.
type Gate struct {
	det       Detector
	keyword   func() string
	threshold float64
	onTrigger func()
	log       *zap.Logger

	ctl sync.Mutex // serializes Start/Stop/Hold/Release

	mu            sync.Mutex
	state         State
	lastTriggered bool
}

func NewGate(cfg Config) *Gate {
	if cfg.Keyword == nil {
		cfg.Keyword = func() string { return "" }
	}
	if cfg.OnTrigger == nil {
		cfg.OnTrigger = func() {}
	}
	return &Gate{
		det:       cfg.Detector,
		keyword:   cfg.Keyword,
		threshold: cfg.Threshold,
		onTrigger: cfg.OnTrigger,
		log:       logging.OrNop(cfg.Logger).Named("wakeword"),
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Start arms detection with the current keyword. Starting an armed gate is a
// no-op; starting a held gate fails with ErrGateHeld.
func (g *Gate) Start() error {
	g.ctl.Lock()
	defer g.ctl.Unlock()
	return g.startLocked()
}

func (g *Gate) startLocked() error {
	switch g.State() {
	case StateHeld:
		return ErrGateHeld
	case StateArmed:
		return nil
	}

	keyword := g.keyword()
	g.mu.Lock()
	g.state = StateArmed
	g.lastTriggered = false
	g.mu.Unlock()

	if err := g.det.Start(keyword, g.threshold, g.onDetect); err != nil {
		g.mu.Lock()
		g.state = StateDisarmed
		g.mu.Unlock()
		return err
	}
	g.log.Info("wakeword armed", zap.String("keyword", keyword))
	return nil
}

// Stop disarms detection and waits for the detector worker to exit.
func (g *Gate) Stop() error {
	g.ctl.Lock()
	defer g.ctl.Unlock()
	return g.disarmLocked(StateDisarmed)
}

// Hold disarms the gate for the duration of a session.
func (g *Gate) Hold() error {
	g.ctl.Lock()
	defer g.ctl.Unlock()
	return g.disarmLocked(StateHeld)
}

func (g *Gate) disarmLocked(next State) error {
	g.mu.Lock()
	prev := g.state
	g.state = next
	g.mu.Unlock()

	if prev != StateArmed {
		return nil
	}
	// Callbacks racing with Stop see the new state and are ignored.
	if err := g.det.Stop(); err != nil {
		return err
	}
	g.log.Info("wakeword disarmed", zap.Stringer("state", next))
	return nil
}

// Release ends a hold and re-arms detection.
func (g *Gate) Release() error {
	g.ctl.Lock()
	defer g.ctl.Unlock()
	g.mu.Lock()
	if g.state == StateHeld {
		g.state = StateDisarmed
	}
	g.mu.Unlock()
	return g.startLocked()
}

func (g *Gate) onDetect(spotted, busy bool) {
	triggered := spotted && !busy

	g.mu.Lock()
	edge := triggered && !g.lastTriggered
	g.lastTriggered = triggered
	armed := g.state == StateArmed
	g.mu.Unlock()

	if !edge {
		return
	}
	if !armed {
		g.log.Debug("wakeword edge ignored while not armed")
		return
	}
	g.log.Info("wakeword triggered")
	g.onTrigger()
}
