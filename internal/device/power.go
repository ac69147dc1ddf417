package device

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/logging"
)

// LogPower records power requests; boards without a PMIC use it as is.
type LogPower struct {
	log *zap.Logger

	mu        sync.Mutex
	autoSleep bool
	charging  bool
}

func NewLogPower(logger *zap.Logger) *LogPower {
	return &LogPower{log: logging.OrNop(logger).Named("power"), autoSleep: true, charging: true}
}

func (p *LogPower) AllowAutoSleep(allow bool) error {
	p.mu.Lock()
	p.autoSleep = allow
	p.mu.Unlock()
	p.log.Debug("auto sleep", zap.Bool("allowed", allow))
	return nil
}

func (p *LogPower) SetCharging(enabled bool) error {
	p.mu.Lock()
	p.charging = enabled
	p.mu.Unlock()
	p.log.Info("charging", zap.Bool("enabled", enabled))
	return nil
}

// State returns the current auto-sleep permission and charge enable.
func (p *LogPower) State() (autoSleep, charging bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoSleep, p.charging
}
