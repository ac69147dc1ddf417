package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/logging"
	"github.com/ent0n29/voxlink/internal/observability"
	"github.com/ent0n29/voxlink/internal/policy"
	"github.com/ent0n29/voxlink/internal/protocol"
	"github.com/ent0n29/voxlink/internal/reliability"
)

// Handler receives every decoded inbound event on the receive goroutine.
type Handler = func(protocol.Event)

type Config struct {
	Credentials     CredentialSource
	Dialer          *websocket.Dialer
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	EventIDBound    int
	InboundMaxBytes int // 0 disables the guard
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

// Client owns at most one streaming connection at a time.
type Client struct {
	cfg     Config
	log     *zap.Logger
	ids     *protocol.EventIDs
	handler Handler
	now     func() time.Time

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}

	writeMu sync.Mutex
	loopWG  sync.WaitGroup
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func NewClient(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Client{
		cfg:  cfg,
		log:  logging.OrNop(cfg.Logger).Named("realtime"),
		ids:  protocol.NewEventIDs(cfg.EventIDBound),
		now:  time.Now,
		done: closedDone,
	}
}

// SetHandler installs the inbound event callback. Call before Connect.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect exchanges credentials, dials the websocket and starts the receive
// loop. It is a no-op when a connection is already open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.cfg.Credentials == nil {
		return &reliability.CredentialError{Message: "no credential source configured"}
	}
	started := c.now()
	cred, err := c.cfg.Credentials.Fetch(ctx)
	if err != nil {
		return err
	}
	c.cfg.Metrics.ObserveStage(observability.StageCredential, c.now().Sub(started))
	if cred.Expired(c.now()) {
		return &reliability.CredentialError{Message: fmt.Sprintf("token expired at %s", cred.ExpiresAt.UTC().Format(time.RFC3339))}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.Token)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	dialStarted := c.now()
	conn, _, err := c.cfg.Dialer.DialContext(dialCtx, cred.URL, headers)
	if err != nil {
		return &reliability.TransportError{Op: "dial", Err: err}
	}
	c.cfg.Metrics.ObserveStage(observability.StageConnect, c.now().Sub(dialStarted))

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	handler := c.handler
	c.loopWG.Add(1)
	c.mu.Unlock()

	go c.readLoop(conn, done, handler)
	c.log.Info("realtime connected", zap.String("url", policy.RedactURL(cred.URL)))
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}, handler Handler) {
	defer c.loopWG.Done()
	defer close(done)
	defer c.markClosed(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Info("receive loop ended", zap.Error(err))
			return
		}
		if limit := c.cfg.InboundMaxBytes; limit > 0 && len(data) > limit {
			c.cfg.Metrics.ObserveDropped("inbound_oversize")
			c.log.Warn("inbound message over size guard skipped", zap.Int("bytes", len(data)), zap.Int("limit", limit))
			continue
		}
		evt, err := protocol.DecodeEvent(data)
		if err != nil {
			derr := &reliability.DecodeError{Size: len(data), Err: err}
			c.cfg.Metrics.ObserveDropped("decode")
			c.cfg.Metrics.ObserveError(derr)
			c.log.Warn("inbound message skipped", zap.Error(derr))
			continue
		}
		c.cfg.Metrics.ObserveWSMessage("in", string(evt.Type))
		if handler != nil {
			handler(evt)
		}
	}
}

// markClosed drops conn from the client if it is still the current one.
func (c *Client) markClosed(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// Disconnect closes the connection and waits for the receive loop. It is safe
// to call repeatedly and concurrently, but not from inside the Handler.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			c.now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		if cerr := conn.Close(); cerr != nil {
			err = &reliability.TransportError{Op: "close", Err: cerr}
		}
	}
	c.loopWG.Wait()
	return err
}

// IsHealthy reports whether a connection is open and its receive loop alive.
func (c *Client) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the current receive loop exits. Before the first
// Connect it returns a closed channel.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Emit sends {event_id, type, ...payload} and returns the event id used.
func (c *Client) Emit(msgType protocol.OutboundType, payload map[string]any) (string, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", reliability.ErrNotConnected
	}

	msg := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		msg[k] = v
	}
	id := c.ids.NextString()
	msg["event_id"] = id
	msg["type"] = string(msgType)

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", msgType, err)
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return "", &reliability.TransportError{Op: "send " + string(msgType), Err: err}
	}
	c.cfg.Metrics.ObserveWSMessage("out", string(msgType))
	return id, nil
}

func (c *Client) AppendAudio(frame []byte) error {
	_, err := c.Emit(protocol.TypeInputAudioAppend, protocol.AudioAppendPayload(frame))
	return err
}

func (c *Client) CommitAudio() error {
	_, err := c.Emit(protocol.TypeInputAudioCommit, nil)
	return err
}

func (c *Client) ClearAudio() error {
	_, err := c.Emit(protocol.TypeInputAudioClear, nil)
	return err
}

func (c *Client) CreateTextItem(text string) error {
	_, err := c.Emit(protocol.TypeConversationItemCreate, protocol.TextItemPayload(text))
	return err
}

func (c *Client) RetrieveItem(itemID string) error {
	_, err := c.Emit(protocol.TypeConversationRetrieve, protocol.ItemPayload(itemID))
	return err
}

func (c *Client) TruncateItem(itemID string) error {
	_, err := c.Emit(protocol.TypeConversationTruncate, protocol.TruncatePayload(itemID))
	return err
}

func (c *Client) DeleteItem(itemID string) error {
	_, err := c.Emit(protocol.TypeConversationDelete, protocol.ItemPayload(itemID))
	return err
}

func (c *Client) CreateResponse() error {
	_, err := c.Emit(protocol.TypeResponseCreate, protocol.ResponseCreatePayload())
	return err
}

func (c *Client) CancelResponse() error {
	_, err := c.Emit(protocol.TypeResponseCancel, nil)
	return err
}

func (c *Client) UpdateSession(session map[string]any) error {
	_, err := c.Emit(protocol.TypeSessionUpdate, protocol.SessionUpdatePayload(session))
	return err
}
