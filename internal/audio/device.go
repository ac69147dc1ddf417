package audio

import (
	"errors"
	"fmt"
)

// Codec tags an audio frame's encoding.
type Codec string

const (
	CodecALaw  Codec = "g711_alaw"
	CodecPCM16 Codec = "pcm16"
	// CodecStream is an opaque compressed stream (e.g. mp3) fed to the
	// device's stream decoder.
	CodecStream Codec = "stream"
)

type ModeKind int

const (
	ModeNone ModeKind = iota
	ModeListening
	ModeStreaming
)

// Mode is one device configuration. Listening feeds the wakeword engine;
// Streaming runs the duplex G.711 path.
type Mode struct {
	Kind       ModeKind
	SampleRate int
}

func Listening(sampleRate int) Mode { return Mode{Kind: ModeListening, SampleRate: sampleRate} }
func Streaming(sampleRate int) Mode { return Mode{Kind: ModeStreaming, SampleRate: sampleRate} }

func (m Mode) String() string {
	switch m.Kind {
	case ModeListening:
		return fmt.Sprintf("listening@%d", m.SampleRate)
	case ModeStreaming:
		return fmt.Sprintf("streaming@%d", m.SampleRate)
	default:
		return "none"
	}
}

// CaptureFunc receives one captured frame. It runs in the driver's callback
// context and must not block.
type CaptureFunc func(frame []byte)

// Device is one opened configuration of the duplex audio hardware.
type Device interface {
	StartCapture(cb CaptureFunc) error
	StopCapture() error
	StartPlayback() error
	StopPlayback() error
	Write(frame []byte) error
	Close() error
}

// Driver opens device configurations. Only one Device is open at a time.
type Driver interface {
	Open(mode Mode) (Device, error)
}

// Flusher is implemented by devices that can discard queued output.
type Flusher interface {
	Flush() error
}

// VolumeSetter is implemented by devices with a hardware volume control.
type VolumeSetter interface {
	SetVolume(level int) error
}

// StreamWriter is implemented by devices with a compressed stream decoder.
type StreamWriter interface {
	WriteStream(chunk []byte) error
	StopStream() error
}

// Uplink receives captured frames.
type Uplink interface {
	AppendAudio(frame []byte) error
}

var (
	ErrNoDevice          = errors.New("audio device not open")
	ErrNotPlaying        = errors.New("playback not started")
	ErrStreamUnsupported = errors.New("device has no stream decoder")
)
