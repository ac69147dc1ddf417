package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/voxlink/internal/protocol"
	"github.com/ent0n29/voxlink/internal/reliability"
)

type staticCredentials struct {
	cred Credential
	err  error
}

func (s staticCredentials) Fetch(context.Context) (Credential, error) {
	return s.cred, s.err
}

func newRealtimeTestServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) (string, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn, r)
	}))
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime", server.Close
}

func newTestClient(t *testing.T, url string, maxBytes int) (*Client, chan protocol.Event) {
	t.Helper()
	events := make(chan protocol.Event, 16)
	c := NewClient(Config{
		Credentials:     staticCredentials{cred: Credential{URL: url, Token: "tok", ExpiresAt: time.Now().Add(time.Minute)}},
		InboundMaxBytes: maxBytes,
		Logger:          zaptest.NewLogger(t),
	})
	c.SetHandler(func(evt protocol.Event) { events <- evt })
	return c, events
}

func TestClientEmitAndReceive(t *testing.T) {
	received := make(chan map[string]any, 4)
	authHeader := make(chan string, 1)
	url, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		authHeader <- r.Header.Get("Authorization")
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created","event_id":"srv_1"}`))
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	})
	defer closeServer()

	client, events := newTestClient(t, url, 0)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	select {
	case evt := <-events:
		assert.Equal(t, protocol.EventSessionCreated, evt.Type)
	case <-time.After(2 * time.Second):
		t.Fatalf("session.created not delivered")
	}
	assert.Equal(t, "Bearer tok", <-authHeader)
	assert.True(t, client.IsHealthy())

	require.NoError(t, client.TruncateItem("item_9"))
	require.NoError(t, client.CancelResponse())

	first := <-received
	assert.Equal(t, "event_1", first["event_id"])
	assert.Equal(t, "conversation.item.truncate", first["type"])
	assert.Equal(t, "item_9", first["item_id"])
	assert.Equal(t, float64(0), first["content_index"])
	assert.Equal(t, float64(0), first["audio_end_ms"])

	second := <-received
	assert.Equal(t, "event_2", second["event_id"])
	assert.Equal(t, "response.cancel", second["type"])
}

func TestClientSkipsMalformedAndOversizeMessages(t *testing.T) {
	url, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, _ *http.Request) {
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_id":"no type"}`))
		big, _ := json.Marshal(map[string]any{"type": "response.audio.delta", "delta": strings.Repeat("A", 512)})
		_ = conn.WriteMessage(websocket.TextMessage, big)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done"}`))
		_, _, _ = conn.ReadMessage()
	})
	defer closeServer()

	client, events := newTestClient(t, url, 128)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	select {
	case evt := <-events:
		assert.Equal(t, protocol.EventResponseDone, evt.Type, "earlier messages must be skipped")
	case <-time.After(2 * time.Second):
		t.Fatalf("response.done not delivered")
	}
}

func TestClientDoneClosesWhenServerHangsUp(t *testing.T) {
	url, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.Close()
	})
	defer closeServer()

	client, _ := newTestClient(t, url, 0)
	require.NoError(t, client.Connect(context.Background()))

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done() not closed after server hangup")
	}
	assert.False(t, client.IsHealthy())
	_, err := client.Emit(protocol.TypeResponseCancel, nil)
	assert.ErrorIs(t, err, reliability.ErrNotConnected)
	require.NoError(t, client.Disconnect())
}

func TestClientDisconnectIsIdempotentAndConcurrent(t *testing.T) {
	url, closeServer := newRealtimeTestServer(t, func(conn *websocket.Conn, _ *http.Request) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	client, _ := newTestClient(t, url, 0)
	require.NoError(t, client.Disconnect(), "disconnect before connect")
	require.NoError(t, client.Connect(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = client.Disconnect()
		}()
	}
	wg.Wait()

	select {
	case <-client.Done():
	default:
		t.Fatalf("Done() open after Disconnect")
	}
	assert.False(t, client.IsHealthy())
	assert.ErrorIs(t, client.AppendAudio([]byte{1, 2}), reliability.ErrNotConnected)
}

func TestClientConnectRejectsExpiredCredential(t *testing.T) {
	client := NewClient(Config{
		Credentials: staticCredentials{cred: Credential{URL: "ws://127.0.0.1:1/realtime", Token: "tok", ExpiresAt: time.Now().Add(-time.Second)}},
	})
	err := client.Connect(context.Background())
	var credErr *reliability.CredentialError
	require.True(t, errors.As(err, &credErr), "err = %v", err)
	assert.False(t, client.IsHealthy())
}

func TestClientConnectDialFailureIsTransportError(t *testing.T) {
	client := NewClient(Config{
		Credentials: staticCredentials{cred: Credential{URL: "ws://127.0.0.1:1/realtime", Token: "tok"}},
		DialTimeout: time.Second,
	})
	err := client.Connect(context.Background())
	var transportErr *reliability.TransportError
	require.True(t, errors.As(err, &transportErr), "err = %v", err)
	assert.Equal(t, "dial", transportErr.Op)
}
