package device

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/logging"
)

// Panel is a logging reference implementation of the device's two status
// lights and their supply rail.
type Panel struct {
	Status   *LED
	Activity *LED

	log     *zap.Logger
	mu      sync.Mutex
	enabled bool
}

func NewPanel(logger *zap.Logger) *Panel {
	log := logging.OrNop(logger).Named("indicator")
	p := &Panel{log: log, enabled: true}
	p.Status = &LED{name: "status", panel: p, log: log}
	p.Activity = &LED{name: "activity", panel: p, log: log}
	return p
}

func (p *Panel) EnableAll() error {
	p.mu.Lock()
	p.enabled = true
	p.mu.Unlock()
	p.log.Info("indicators enabled")
	return nil
}

// DisableAll turns every light off and ignores further commands until
// EnableAll.
func (p *Panel) DisableAll() error {
	_ = p.Status.Off()
	_ = p.Activity.Off()
	p.mu.Lock()
	p.enabled = false
	p.mu.Unlock()
	p.log.Info("indicators disabled")
	return nil
}

func (p *Panel) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Close stops any blink workers.
func (p *Panel) Close() {
	p.Status.stopBlink()
	p.Activity.stopBlink()
}

// LED is one light whose level is tracked in memory.
type LED struct {
	name  string
	panel *Panel
	log   *zap.Logger

	ctl  sync.Mutex // serializes On, Off and Blink
	mu   sync.Mutex
	mode string
	lit  bool

	blinkStop chan struct{}
	blinkWG   sync.WaitGroup
}

func (l *LED) On() error {
	if !l.panel.Enabled() {
		return nil
	}
	l.ctl.Lock()
	defer l.ctl.Unlock()
	l.stopBlink()
	l.set("on", true)
	return nil
}

func (l *LED) Off() error {
	l.ctl.Lock()
	defer l.ctl.Unlock()
	l.stopBlink()
	l.set("off", false)
	return nil
}

// Blink toggles the light until the next command.
func (l *LED) Blink(on, off time.Duration) error {
	if !l.panel.Enabled() {
		return nil
	}
	if on <= 0 || off <= 0 {
		return l.On()
	}
	l.ctl.Lock()
	defer l.ctl.Unlock()
	l.stopBlink()
	l.set("blink", true)

	stop := make(chan struct{})
	l.mu.Lock()
	l.blinkStop = stop
	l.mu.Unlock()

	l.blinkWG.Add(1)
	go func() {
		defer l.blinkWG.Done()
		lit := true
		for {
			d := on
			if !lit {
				d = off
			}
			timer := time.NewTimer(d)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			lit = !lit
			l.mu.Lock()
			l.lit = lit
			l.mu.Unlock()
		}
	}()
	l.log.Debug("indicator blink", zap.String("led", l.name), zap.Duration("on", on), zap.Duration("off", off))
	return nil
}

// Mode returns "on", "off" or "blink".
func (l *LED) Mode() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode == "" {
		return "off"
	}
	return l.mode
}

func (l *LED) set(mode string, lit bool) {
	l.mu.Lock()
	changed := l.mode != mode
	l.mode = mode
	l.lit = lit
	l.mu.Unlock()
	if changed {
		l.log.Debug("indicator", zap.String("led", l.name), zap.String("mode", mode))
	}
}

func (l *LED) stopBlink() {
	l.mu.Lock()
	stop := l.blinkStop
	l.blinkStop = nil
	l.mu.Unlock()
	if stop != nil {
		close(stop)
		l.blinkWG.Wait()
	}
}
