package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/voxlink/internal/logging"
	"github.com/ent0n29/voxlink/internal/observability"
)

const (
	MinVolume = 0
	MaxVolume = 10
)

type BridgeConfig struct {
	Driver     Driver
	QueueDepth int
	Volume     int
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Bridge owns the single duplex audio device. SwitchTo, Playback and the
// capture/playback controls serialize on one lock; the capture callback
// never takes it.
type Bridge struct {
	driver  Driver
	log     *zap.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	device    Device
	mode      Mode
	capturing bool
	playing   bool
	volume    int

	uplinkMu sync.RWMutex
	uplink   Uplink

	frames   chan []byte
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	stopOnce sync.Once

	captureDropped atomic.Int64
	sendDropped    atomic.Int64
	dropLog        *rate.Limiter
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	b := &Bridge{
		driver:  cfg.Driver,
		log:     logging.OrNop(cfg.Logger).Named("audio"),
		metrics: cfg.Metrics,
		volume:  clampVolume(cfg.Volume),
		frames:  make(chan []byte, cfg.QueueDepth),
		stopCh:  make(chan struct{}),
		dropLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	b.workerWG.Add(1)
	go b.forwardLoop()
	return b
}

// Mode returns the current configuration.
func (b *Bridge) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// SwitchTo tears down the current device and opens mode. Switching to the
// current mode is a no-op. Capture and playback are stopped by a switch.
func (b *Bridge) SwitchTo(mode Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device != nil && b.mode == mode {
		return nil
	}
	if b.driver == nil {
		return ErrNoDevice
	}

	var errs []error
	if b.device != nil {
		errs = append(errs, b.closeDeviceLocked())
	}
	dev, err := b.driver.Open(mode)
	if err != nil {
		b.mode = Mode{}
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	b.device = dev
	b.mode = mode
	if vs, ok := dev.(VolumeSetter); ok {
		if err := vs.SetVolume(b.volume); err != nil {
			b.log.Warn("apply volume failed", zap.Error(err))
		}
	}
	b.log.Info("audio mode switched", zap.Stringer("mode", mode))
	return errors.Join(errs...)
}

func (b *Bridge) closeDeviceLocked() error {
	var errs []error
	if b.capturing {
		errs = append(errs, b.device.StopCapture())
		b.capturing = false
	}
	if b.playing {
		errs = append(errs, b.device.StopPlayback())
		b.playing = false
	}
	errs = append(errs, b.device.Close())
	b.device = nil
	b.mode = Mode{}
	return errors.Join(errs...)
}

// StartCapture routes captured frames to up until StopCapture.
func (b *Bridge) StartCapture(up Uplink) error {
	b.uplinkMu.Lock()
	b.uplink = up
	b.uplinkMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		return ErrNoDevice
	}
	if b.capturing {
		return nil
	}
	if err := b.device.StartCapture(b.onCapture); err != nil {
		return err
	}
	b.capturing = true
	return nil
}

func (b *Bridge) StopCapture() error {
	b.uplinkMu.Lock()
	b.uplink = nil
	b.uplinkMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil || !b.capturing {
		return nil
	}
	b.capturing = false
	return b.device.StopCapture()
}

func (b *Bridge) StartPlayback() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		return ErrNoDevice
	}
	if b.playing {
		return nil
	}
	if err := b.device.StartPlayback(); err != nil {
		return err
	}
	b.playing = true
	return nil
}

func (b *Bridge) StopPlayback() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil || !b.playing {
		return nil
	}
	b.playing = false
	return b.device.StopPlayback()
}

// Playback writes one downlink frame to the device.
func (b *Bridge) Playback(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		return ErrNoDevice
	}
	if !b.playing {
		return ErrNotPlaying
	}
	return b.device.Write(frame)
}

// PlayStream feeds a compressed chunk to the device's stream decoder.
func (b *Bridge) PlayStream(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		return ErrNoDevice
	}
	sw, ok := b.device.(StreamWriter)
	if !ok {
		return ErrStreamUnsupported
	}
	return sw.WriteStream(chunk)
}

// StopStream ends the device's stream decoder, if any.
func (b *Bridge) StopStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		return nil
	}
	if sw, ok := b.device.(StreamWriter); ok {
		return sw.StopStream()
	}
	return nil
}

// Flush discards pending output when the device supports it.
func (b *Bridge) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.device.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// SetVolume clamps level to 0..10 and applies it. It returns the level set.
func (b *Bridge) SetVolume(level int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.volume = clampVolume(level)
	if vs, ok := b.device.(VolumeSetter); ok {
		return b.volume, vs.SetVolume(b.volume)
	}
	return b.volume, nil
}

// StepVolume moves the volume by delta, as the volume keys do.
func (b *Bridge) StepVolume(delta int) (int, error) {
	return b.SetVolume(b.Volume() + delta)
}

func (b *Bridge) Volume() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volume
}

// DroppedFrames returns frames dropped at capture (queue full) and at send.
func (b *Bridge) DroppedFrames() (capture, send int64) {
	return b.captureDropped.Load(), b.sendDropped.Load()
}

func (b *Bridge) onCapture(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case b.frames <- buf:
	default:
		n := b.captureDropped.Add(1)
		b.metrics.ObserveDropped("capture_queue_full")
		if b.dropLog.Allow() {
			b.log.Warn("capture queue full, frame dropped", zap.Int64("dropped_total", n))
		}
	}
}

func (b *Bridge) forwardLoop() {
	defer b.workerWG.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case frame := <-b.frames:
			b.uplinkMu.RLock()
			up := b.uplink
			b.uplinkMu.RUnlock()
			if up == nil {
				b.dropSend("no_uplink", nil)
				continue
			}
			if err := up.AppendAudio(frame); err != nil {
				b.dropSend("send_failed", err)
			}
		}
	}
}

func (b *Bridge) dropSend(reason string, err error) {
	n := b.sendDropped.Add(1)
	b.metrics.ObserveDropped(reason)
	if b.dropLog.Allow() {
		b.log.Debug("uplink frame dropped", zap.String("reason", reason), zap.Int64("dropped_total", n), zap.Error(err))
	}
}

// Close stops the forwarder and closes the device.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.workerWG.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		return nil
	}
	return b.closeDeviceLocked()
}

func clampVolume(v int) int {
	if v < MinVolume {
		return MinVolume
	}
	if v > MaxVolume {
		return MaxVolume
	}
	return v
}
