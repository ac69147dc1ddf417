package protocol

import (
	"errors"
	"testing"
)

func TestDecodeEventConversationItemCreated(t *testing.T) {
	raw := []byte(`{"type":"conversation.item.created","event_id":"evt_1","item":{"id":"item_42","type":"message","role":"assistant"}}`)
	evt, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if evt.Type != EventConversationItemCreated {
		t.Fatalf("Type = %q, want %q", evt.Type, EventConversationItemCreated)
	}
	if got := evt.ItemIdentifier(); got != "item_42" {
		t.Fatalf("ItemIdentifier() = %q, want %q", got, "item_42")
	}
	if string(evt.Raw) != string(raw) {
		t.Fatalf("Raw not preserved")
	}
}

func TestDecodeEventTruncatedUsesItemID(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"conversation.item.truncated","item_id":"item_7","content_index":0,"audio_end_ms":0}`))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if got := evt.ItemIdentifier(); got != "item_7" {
		t.Fatalf("ItemIdentifier() = %q, want %q", got, "item_7")
	}
}

func TestDecodeEventAudioDelta(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"response.audio.delta","response_id":"r1","delta":"AQID"}`))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if evt.Delta != "AQID" {
		t.Fatalf("Delta = %q, want %q", evt.Delta, "AQID")
	}
}

func TestDecodeEventError(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"bad_item","message":"no such item"}}`))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if evt.Error == nil || evt.Error.Code != "bad_item" {
		t.Fatalf("Error = %+v, want code bad_item", evt.Error)
	}
}

func TestDecodeEventRejectsMissingType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"event_id":"x"}`))
	if !errors.Is(err, ErrMissingType) {
		t.Fatalf("error = %v, want ErrMissingType", err)
	}
}

func TestDecodeEventRejectsMalformed(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestTruncatePayload(t *testing.T) {
	p := TruncatePayload("item_42")
	if p["item_id"] != "item_42" || p["content_index"] != 0 || p["audio_end_ms"] != 0 {
		t.Fatalf("TruncatePayload() = %+v", p)
	}
}

func TestAudioAppendPayloadBase64(t *testing.T) {
	p := AudioAppendPayload([]byte{1, 2, 3})
	if p["audio"] != "AQID" {
		t.Fatalf("audio = %v, want AQID", p["audio"])
	}
}

func BenchmarkDecodeEventAudioDelta(b *testing.B) {
	raw := []byte(`{"type":"response.audio.delta","event_id":"event_7","response_id":"resp_1","item_id":"item_1","output_index":0,"content_index":0,"delta":"AQIDBAUGBwgJCgsMDQ4P"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		evt, err := DecodeEvent(raw)
		if err != nil {
			b.Fatalf("DecodeEvent() error = %v", err)
		}
		if evt.Type != EventResponseAudioDelta {
			b.Fatalf("Type = %q", evt.Type)
		}
	}
}
