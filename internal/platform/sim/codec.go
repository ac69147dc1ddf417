// Package sim provides host implementations of the device audio codec and
// keyword detector so the engine runs without board hardware.
package sim

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/audio"
	"github.com/ent0n29/voxlink/internal/logging"
)

// alawSilence is the A-law code for a zero sample.
const alawSilence = 0xD5

var errClosed = errors.New("sim codec closed")

type CodecConfig struct {
	FrameDuration time.Duration
	// RecordPath, when set, receives everything played in streaming mode as
	// an A-law WAV file each time the streaming device closes.
	RecordPath string
	Logger     *zap.Logger
}

// Codec is an audio.Driver that paces silent capture frames and records
// playback.
type Codec struct {
	cfg CodecConfig
	log *zap.Logger

	mu     sync.Mutex
	opens  int
	volume int
	last   *Device
}

func NewCodec(cfg CodecConfig) *Codec {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 100 * time.Millisecond
	}
	return &Codec{cfg: cfg, log: logging.OrNop(cfg.Logger).Named("sim_codec")}
}

func (c *Codec) Open(mode audio.Mode) (audio.Device, error) {
	codec := audio.CodecPCM16
	if mode.Kind == audio.ModeStreaming {
		codec = audio.CodecALaw
	}
	d := &Device{
		owner:  c,
		mode:   mode,
		codec:  codec,
		frame:  frameBytes(mode.SampleRate, codec, c.cfg.FrameDuration),
		period: c.cfg.FrameDuration,
		log:    c.log.With(zap.Stringer("mode", mode)),
	}
	c.mu.Lock()
	c.opens++
	c.last = d
	c.mu.Unlock()
	c.log.Debug("device opened", zap.Stringer("mode", mode), zap.Int("frame_bytes", d.frame))
	return d, nil
}

// Opens returns how many devices were opened.
func (c *Codec) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Current returns the most recently opened device.
func (c *Codec) Current() *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Codec) Volume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

func (c *Codec) setVolume(level int) {
	c.mu.Lock()
	c.volume = level
	c.mu.Unlock()
}

func frameBytes(rate int, codec audio.Codec, d time.Duration) int {
	samples := int(int64(rate) * int64(d) / int64(time.Second))
	if codec == audio.CodecPCM16 {
		return samples * 2
	}
	return samples
}

// Device is one opened configuration of the simulated codec.
type Device struct {
	owner  *Codec
	mode   audio.Mode
	codec  audio.Codec
	frame  int
	period time.Duration
	log    *zap.Logger

	mu       sync.Mutex
	closed   bool
	stopCap  chan struct{}
	capDone  chan struct{}
	playing  bool
	recorded []byte
	flushes  int
	streamed int
	captured int
}

func (d *Device) StartCapture(cb audio.CaptureFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	if d.stopCap != nil {
		return nil
	}
	stop, done := make(chan struct{}), make(chan struct{})
	d.stopCap, d.capDone = stop, done
	go d.captureLoop(cb, stop, done)
	return nil
}

func (d *Device) captureLoop(cb audio.CaptureFunc, stop, done chan struct{}) {
	defer close(done)
	frame := make([]byte, d.frame)
	if d.codec == audio.CodecALaw {
		for i := range frame {
			frame[i] = alawSilence
		}
	}
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cb(frame)
			d.mu.Lock()
			d.captured++
			d.mu.Unlock()
		}
	}
}

func (d *Device) StopCapture() error {
	d.mu.Lock()
	stop, done := d.stopCap, d.capDone
	d.stopCap, d.capDone = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (d *Device) StartPlayback() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	d.playing = true
	return nil
}

func (d *Device) StopPlayback() error {
	d.mu.Lock()
	d.playing = false
	d.mu.Unlock()
	return nil
}

func (d *Device) Write(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	if !d.playing {
		return audio.ErrNotPlaying
	}
	d.recorded = append(d.recorded, frame...)
	return nil
}

func (d *Device) Flush() error {
	d.mu.Lock()
	d.flushes++
	d.mu.Unlock()
	return nil
}

func (d *Device) SetVolume(level int) error {
	d.owner.setVolume(level)
	return nil
}

func (d *Device) WriteStream(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	d.streamed += len(chunk)
	return nil
}

func (d *Device) StopStream() error { return nil }

// Close stops capture and writes the recording, if configured.
func (d *Device) Close() error {
	if err := d.StopCapture(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.playing = false
	recorded := d.recorded
	d.mu.Unlock()

	path := d.owner.cfg.RecordPath
	if path == "" || d.mode.Kind != audio.ModeStreaming || len(recorded) == 0 {
		return nil
	}
	if err := audio.WriteWAVFile(path, recorded, d.mode.SampleRate, d.codec); err != nil {
		return err
	}
	d.log.Info("playback recorded", zap.String("path", path), zap.Int("bytes", len(recorded)))
	return nil
}

// Stats reports what the device saw.
type Stats struct {
	Captured int
	Recorded int
	Flushes  int
	Streamed int
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Captured: d.captured, Recorded: len(d.recorded), Flushes: d.flushes, Streamed: d.streamed}
}

func (d *Device) Mode() audio.Mode { return d.mode }
