// Command realtimeprobe measures credential, connect and handshake latency
// against the realtime service, optionally streaming a WAV clip per attempt.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/app"
	"github.com/ent0n29/voxlink/internal/audio"
	"github.com/ent0n29/voxlink/internal/config"
	"github.com/ent0n29/voxlink/internal/logging"
	"github.com/ent0n29/voxlink/internal/observability"
	"github.com/ent0n29/voxlink/internal/protocol"
	"github.com/ent0n29/voxlink/internal/realtime"
)

type options struct {
	attempts         int
	wavPath          string
	frame            time.Duration
	realtime         float64
	handshakeTimeout time.Duration
	responseTimeout  time.Duration
	pause            time.Duration
	verbose          bool
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtimeprobe: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtimeprobe: config error: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.LogLevel, "console")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := run(ctx, opts, app.NewCredentialSource(cfg), cfg, logger, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "realtimeprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var opts options
	var frameMS, handshakeMS, responseMS, pauseMS int

	fs.IntVar(&opts.attempts, "attempts", 5, "number of connect/handshake attempts")
	fs.StringVar(&opts.wavPath, "wav", "", "optional mono WAV clip streamed after each handshake")
	fs.IntVar(&frameMS, "frame-ms", 100, "uplink frame size in milliseconds")
	fs.Float64Var(&opts.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&handshakeMS, "handshake-timeout-ms", 10000, "timeout waiting for session.created")
	fs.IntVar(&responseMS, "response-timeout-ms", 15000, "timeout waiting for response.done after streaming")
	fs.IntVar(&pauseMS, "pause-ms", 500, "delay between attempts")
	fs.BoolVar(&opts.verbose, "verbose", true, "print per-attempt progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.attempts <= 0 {
		return options{}, fmt.Errorf("attempts must be > 0")
	}
	if frameMS < 10 || frameMS > 2000 {
		return options{}, fmt.Errorf("frame-ms must be in [10,2000]")
	}
	if opts.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if handshakeMS < 100 {
		handshakeMS = 100
	}
	if responseMS < 100 {
		responseMS = 100
	}
	if pauseMS < 0 {
		pauseMS = 0
	}
	opts.frame = time.Duration(frameMS) * time.Millisecond
	opts.handshakeTimeout = time.Duration(handshakeMS) * time.Millisecond
	opts.responseTimeout = time.Duration(responseMS) * time.Millisecond
	opts.pause = time.Duration(pauseMS) * time.Millisecond
	return opts, nil
}

// timedSource records how long each credential exchange takes.
type timedSource struct {
	inner  realtime.CredentialSource
	window *observability.StageWindow
}

func (s timedSource) Fetch(ctx context.Context) (realtime.Credential, error) {
	started := time.Now()
	cred, err := s.inner.Fetch(ctx)
	if err == nil {
		s.window.Observe(observability.StageCredential, msSince(started))
	}
	return cred, err
}

func run(ctx context.Context, opts options, creds realtime.CredentialSource, cfg config.Config, logger *zap.Logger, out io.Writer) error {
	var frames [][]byte
	if opts.wavPath != "" {
		raw, err := os.ReadFile(opts.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		clip, err := audio.DecodeWAV(raw)
		if err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
		frames = chunkClip(clip, opts.frame)
		if opts.verbose {
			fmt.Fprintf(out, "realtimeprobe: clip codec=%s rate=%dHz bytes=%d frames=%d\n", clip.Codec, clip.SampleRate, len(clip.Data), len(frames))
		}
	}

	window := observability.NewStageWindow(opts.attempts)
	client := realtime.NewClient(realtime.Config{
		Credentials:     timedSource{inner: creds, window: window},
		DialTimeout:     cfg.DialTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		EventIDBound:    cfg.EventIDBound,
		InboundMaxBytes: cfg.InboundMaxBytes,
		Logger:          logger,
	})
	events := make(chan protocol.Event, 256)
	client.SetHandler(func(evt protocol.Event) {
		select {
		case events <- evt:
		default:
		}
	})

	var failures int
	for i := 0; i < opts.attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := attempt(ctx, opts, client, events, frames, window); err != nil {
			failures++
			window.ObserveIndicator("attempt_failed")
			fmt.Fprintf(out, "realtimeprobe: attempt %d/%d failed: %v\n", i+1, opts.attempts, err)
		} else if opts.verbose {
			fmt.Fprintf(out, "realtimeprobe: attempt %d/%d ok\n", i+1, opts.attempts)
		}
		if opts.pause > 0 && i < opts.attempts-1 {
			time.Sleep(opts.pause)
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(window.Snapshot()); err != nil {
		return err
	}
	if failures == opts.attempts {
		return errors.New("every attempt failed")
	}
	return nil
}

func attempt(ctx context.Context, opts options, client *realtime.Client, events chan protocol.Event, frames [][]byte, window *observability.StageWindow) error {
	drain(events)
	started := time.Now()
	if err := client.Connect(ctx); err != nil {
		window.ObserveFailure(observability.StageConnect)
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = client.Disconnect() }()
	window.Observe(observability.StageConnect, msSince(started))

	if err := await(ctx, client, events, protocol.EventSessionCreated, opts.handshakeTimeout); err != nil {
		window.ObserveFailure(observability.StageHandshake)
		return fmt.Errorf("handshake: %w", err)
	}
	window.Observe(observability.StageHandshake, msSince(started))

	if len(frames) == 0 {
		window.Observe(observability.StageSessionTotal, msSince(started))
		return nil
	}

	pace := time.Duration(float64(opts.frame) / opts.realtime)
	for _, frame := range frames {
		if err := client.AppendAudio(frame); err != nil {
			return fmt.Errorf("append audio: %w", err)
		}
		time.Sleep(pace)
	}
	streamed := time.Now()
	if err := await(ctx, client, events, protocol.EventResponseDone, opts.responseTimeout); err != nil {
		return fmt.Errorf("response: %w", err)
	}
	window.Observe("response", msSince(streamed))
	window.Observe(observability.StageSessionTotal, msSince(started))
	return nil
}

func await(ctx context.Context, client *realtime.Client, events <-chan protocol.Event, want protocol.EventType, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case evt := <-events:
			if evt.Type == want {
				return nil
			}
			if evt.Type == protocol.EventError && evt.Error != nil {
				return fmt.Errorf("server error %s: %s", evt.Error.Code, evt.Error.Message)
			}
		case <-client.Done():
			return errors.New("connection closed")
		case <-timer.C:
			return fmt.Errorf("no %s within %s", want, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func drain(events <-chan protocol.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

// chunkClip splits clip data into frames of duration d. The last frame may
// be short.
func chunkClip(clip audio.Clip, d time.Duration) [][]byte {
	bytesPerSample := 1
	if clip.Codec == audio.CodecPCM16 {
		bytesPerSample = 2
	}
	size := int(int64(clip.SampleRate)*int64(d)/int64(time.Second)) * bytesPerSample
	if size <= 0 {
		size = len(clip.Data)
	}
	var frames [][]byte
	for off := 0; off < len(clip.Data); off += size {
		end := min(off+size, len(clip.Data))
		frames = append(frames, clip.Data[off:end])
	}
	return frames
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
