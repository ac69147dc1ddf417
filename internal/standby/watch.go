package standby

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/logging"
)

// ExpireFunc is called from the watch worker when the deadline passes with
// no reset. gen is the value given to Start. It must not block and must not
// call Stop on the same watch.
type ExpireFunc func(gen uint64)

// Watch is an idle timer that can be reset, cancelled and restarted.
type Watch struct {
	name     string
	timeout  time.Duration
	onExpire ExpireFunc
	log      *zap.Logger

	ctl sync.Mutex // serializes Start and Stop

	mu   sync.Mutex
	sig  *Signal
	done chan struct{}
}

func NewWatch(name string, timeout time.Duration, onExpire ExpireFunc, logger *zap.Logger) *Watch {
	if onExpire == nil {
		onExpire = func(uint64) {}
	}
	return &Watch{
		name:     name,
		timeout:  timeout,
		onExpire: onExpire,
		log:      logging.OrNop(logger).Named("standby").With(zap.String("watch", name)),
		sig:      NewSignal(),
	}
}

// Start launches the worker. It returns false when a worker is already running.
func (w *Watch) Start(gen uint64) bool {
	w.ctl.Lock()
	defer w.ctl.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runningLocked() {
		return false
	}
	w.sig.Clear(BitCancel | BitReset)
	done := make(chan struct{})
	w.done = done
	go w.run(gen, w.sig, done)
	w.log.Debug("watch started", zap.Duration("timeout", w.timeout), zap.Uint64("gen", gen))
	return true
}

func (w *Watch) run(gen uint64, sig *Signal, done chan struct{}) {
	defer close(done)
	for {
		got, ok := sig.WaitAny(BitCancel|BitReset, w.timeout)
		if !ok {
			w.log.Info("idle timeout expired", zap.Duration("timeout", w.timeout))
			w.onExpire(gen)
			return
		}
		if got&BitCancel != 0 {
			return
		}
	}
}

// Stop cancels the worker and waits for it to exit.
func (w *Watch) Stop() {
	w.ctl.Lock()
	defer w.ctl.Unlock()

	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return
	}
	w.sig.Set(BitCancel)
	<-done

	w.mu.Lock()
	w.done = nil
	w.mu.Unlock()
}

// Reset pushes the deadline out by one timeout. No-op when not running.
func (w *Watch) Reset() {
	w.mu.Lock()
	running := w.runningLocked()
	w.mu.Unlock()
	if running {
		w.sig.Set(BitReset)
	}
}

func (w *Watch) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runningLocked()
}

func (w *Watch) runningLocked() bool {
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}
