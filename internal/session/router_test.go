package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ent0n29/voxlink/internal/protocol"
)

func TestRouterHandlesDocumentedTypes(t *testing.T) {
	c := NewCoordinator(Config{}, Deps{Client: &fakeClient{}, Bridge: &fakeBridge{}, Gate: nopGate{}})
	r := c.Router()

	for _, typ := range []protocol.EventType{
		protocol.EventError,
		protocol.EventSessionCreated,
		protocol.EventSessionUpdated,
		protocol.EventConversationItemCreated,
		protocol.EventConversationItemTruncated,
		protocol.EventSpeechStarted,
		protocol.EventSpeechStopped,
		protocol.EventResponseDone,
		protocol.EventResponseAudioDelta,
		protocol.EventResponseOutputAudioDelta,
		protocol.EventResponseOutputTranscriptDelta,
		protocol.EventMCPListToolsFailed,
		protocol.EventRateLimitsUpdated,
	} {
		if !r.Handles(typ) {
			t.Fatalf("Handles(%q) = false, want true", typ)
		}
	}
	if r.Handles("made.up") {
		t.Fatalf("Handles(made.up) = true, want false")
	}
}

func TestUnknownEventIsNotFatal(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{}, client)
	h.activate(t)

	client.deliver(protocol.Event{Type: "made.up"})
	client.deliver(protocol.Event{Type: protocol.EventError, Error: &protocol.ErrorDetail{Code: "invalid_value", Message: "bad"}})

	assert.Equal(t, StateActive, h.c.State())
	assert.True(t, client.IsHealthy())
}

func TestAudioDeltaDecodeFailureIsDropped(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{}, client)
	h.activate(t)

	client.deliver(protocol.Event{Type: protocol.EventResponseAudioDelta, Delta: "%%%not base64"})
	client.deliver(protocol.Event{Type: protocol.EventResponseAudioDelta})

	_, _, played, _ := h.bridge.current()
	assert.Equal(t, 0, played)
	assert.Equal(t, StateActive, h.c.State())
}

func TestResponseDoneReclaimIsRateLimited(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{ReclaimInterval: time.Hour}, client)
	h.activate(t)

	for i := 0; i < 3; i++ {
		client.deliver(protocol.Event{Type: protocol.EventResponseDone})
	}
	if got := h.reclaims.Load(); got != 1 {
		t.Fatalf("reclaims = %d, want 1", got)
	}
}

func TestItemCreatedRecordsItemID(t *testing.T) {
	client := &fakeClient{autoHandshake: true}
	h := startHarness(t, Config{}, client)
	h.activate(t)

	client.deliver(protocol.Event{Type: protocol.EventConversationItemCreated, ItemID: "item_a"})
	assert.Equal(t, "item_a", h.c.Session().LastItemID)
	client.deliver(protocol.Event{Type: protocol.EventConversationItemCreated, Item: &protocol.Item{ID: "item_b"}})
	assert.Equal(t, "item_b", h.c.Status().LastItemID)
	client.deliver(protocol.Event{Type: protocol.EventConversationItemCreated})
	assert.Equal(t, "item_b", h.c.Session().LastItemID)
}

type nopGate struct{}

func (nopGate) Start() error   { return nil }
func (nopGate) Stop() error    { return nil }
func (nopGate) Hold() error    { return nil }
func (nopGate) Release() error { return nil }
