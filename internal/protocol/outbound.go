package protocol

import "encoding/base64"

// Payload builders for outbound events. Emit adds event_id and type.

func AudioAppendPayload(frame []byte) map[string]any {
	return map[string]any{"audio": base64.StdEncoding.EncodeToString(frame)}
}

func TextItemPayload(text string) map[string]any {
	return map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
}

func ItemPayload(itemID string) map[string]any {
	return map[string]any{"item_id": itemID}
}

// TruncatePayload always cuts at the start of the first content part; the
// device does not track playback offsets.
func TruncatePayload(itemID string) map[string]any {
	return map[string]any{
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  0,
	}
}

func ResponseCreatePayload() map[string]any {
	return map[string]any{
		"response": map[string]any{
			"output_modalities": []string{"audio"},
		},
	}
}

func SessionUpdatePayload(session map[string]any) map[string]any {
	return map[string]any{"session": session}
}
