package sim

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/logging"
	"github.com/ent0n29/voxlink/internal/wakeword"
)

// Detector is a wakeword.Detector fired on demand instead of by audio.
type Detector struct {
	log *zap.Logger

	mu        sync.Mutex
	cb        wakeword.DetectFunc
	keyword   string
	threshold float64
}

func NewDetector(logger *zap.Logger) *Detector {
	return &Detector{log: logging.OrNop(logger).Named("sim_kws")}
}

func (d *Detector) Start(keyword string, threshold float64, cb wakeword.DetectFunc) error {
	d.mu.Lock()
	d.cb = cb
	d.keyword = keyword
	d.threshold = threshold
	d.mu.Unlock()
	d.log.Debug("detector started", zap.String("keyword", keyword), zap.Float64("threshold", threshold))
	return nil
}

func (d *Detector) Stop() error {
	d.mu.Lock()
	d.cb = nil
	d.mu.Unlock()
	return nil
}

// Fire reports one spotted keyword followed by the falling edge. It returns
// false when detection is not running.
func (d *Detector) Fire() bool {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(true, false)
	cb(false, false)
	return true
}

// Keyword returns the keyword given to the last Start.
func (d *Detector) Keyword() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keyword
}

func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cb != nil
}
