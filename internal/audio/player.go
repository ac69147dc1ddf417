package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/logging"
)

// StreamSink accepts compressed audio chunks.
type StreamSink interface {
	PlayStream(chunk []byte) error
	StopStream() error
}

// Player streams external audio (e.g. music from a URL) to a StreamSink.
// At most one stream plays at a time.
type Player struct {
	sink      StreamSink
	client    *http.Client
	log       *zap.Logger
	chunkSize int

	ctl    sync.Mutex // serializes Play and Stop
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPlayer(sink StreamSink, client *http.Client, logger *zap.Logger) *Player {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Player{
		sink:      sink,
		client:    client,
		log:       logging.OrNop(logger).Named("player"),
		chunkSize: 4096,
	}
}

// Play stops any current stream and starts streaming rawURL.
func (p *Player) Play(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid stream url %q", rawURL)
	}
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.stopCurrent()

	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		if err := p.stream(streamCtx, u.String()); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("stream playback failed", zap.String("url", u.String()), zap.Error(err))
		}
		if err := p.sink.StopStream(); err != nil {
			p.log.Debug("stop stream failed", zap.Error(err))
		}
	}()
	return nil
}

func (p *Player) stream(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("stream http status %d", resp.StatusCode)
	}

	p.log.Info("stream playback started", zap.String("url", rawURL))
	buf := make([]byte, p.chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := p.sink.PlayStream(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			p.log.Info("stream playback finished", zap.String("url", rawURL))
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// Stop cancels the current stream and waits for it to end.
func (p *Player) Stop() {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.stopCurrent()
}

func (p *Player) stopCurrent() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
