package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// OutboundType identifies client-to-server realtime events.
type OutboundType string

const (
	TypeSessionUpdate          OutboundType = "session.update"
	TypeInputAudioAppend       OutboundType = "input_audio_buffer.append"
	TypeInputAudioCommit       OutboundType = "input_audio_buffer.commit"
	TypeInputAudioClear        OutboundType = "input_audio_buffer.clear"
	TypeConversationItemCreate OutboundType = "conversation.item.create"
	TypeConversationRetrieve   OutboundType = "conversation.item.retrieve"
	TypeConversationTruncate   OutboundType = "conversation.item.truncate"
	TypeConversationDelete     OutboundType = "conversation.item.delete"
	TypeResponseCreate         OutboundType = "response.create"
	TypeResponseCancel         OutboundType = "response.cancel"
)

// EventType identifies server-to-client realtime events.
type EventType string

const (
	EventError                         EventType = "error"
	EventSessionCreated                EventType = "session.created"
	EventSessionUpdated                EventType = "session.updated"
	EventTranscriptionSessionCreated   EventType = "transcription_session.created"
	EventTranscriptionSessionUpdated   EventType = "transcription_session.updated"
	EventConversationItemCreated       EventType = "conversation.item.created"
	EventConversationItemRetrieved     EventType = "conversation.item.retrieved"
	EventConversationItemTruncated     EventType = "conversation.item.truncated"
	EventConversationItemDeleted       EventType = "conversation.item.deleted"
	EventInputTranscriptionCompleted   EventType = "conversation.item.input_audio_transcription.completed"
	EventInputTranscriptionDelta       EventType = "conversation.item.input_audio_transcription.delta"
	EventInputTranscriptionSegment     EventType = "conversation.item.input_audio_transcription.segment"
	EventInputTranscriptionFailed      EventType = "conversation.item.input_audio_transcription.failed"
	EventInputAudioCommitted           EventType = "input_audio_buffer.committed"
	EventInputAudioCleared             EventType = "input_audio_buffer.cleared"
	EventSpeechStarted                 EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped                 EventType = "input_audio_buffer.speech_stopped"
	EventInputAudioTimeout             EventType = "input_audio_buffer.timeout_triggered"
	EventResponseCreated               EventType = "response.created"
	EventResponseDone                  EventType = "response.done"
	EventResponseCancelled             EventType = "response.cancelled"
	EventResponseOutputItemAdded       EventType = "response.output_item.added"
	EventResponseOutputItemDone        EventType = "response.output_item.done"
	EventResponseContentPartAdded      EventType = "response.content_part.added"
	EventResponseContentPartDone       EventType = "response.content_part.done"
	EventResponseTextDelta             EventType = "response.text.delta"
	EventResponseOutputTextDelta       EventType = "response.output_text.delta"
	EventResponseOutputTextDone        EventType = "response.output_text.done"
	EventResponseAudioTranscriptDelta  EventType = "response.audio_transcript.delta"
	EventResponseAudioTranscriptDone   EventType = "response.audio_transcript.done"
	EventResponseOutputTranscriptDelta EventType = "response.output_audio_transcript.delta"
	EventResponseOutputTranscriptDone  EventType = "response.output_audio_transcript.done"
	EventResponseAudioDelta            EventType = "response.audio.delta"
	EventResponseAudioDone             EventType = "response.audio.done"
	EventResponseOutputAudioDelta      EventType = "response.output_audio.delta"
	EventResponseOutputAudioDone       EventType = "response.output_audio.done"
	EventFunctionCallArgsDelta         EventType = "response.function_call_arguments.delta"
	EventFunctionCallArgsDone          EventType = "response.function_call_arguments.done"
	EventMCPCallArgsDelta              EventType = "response.mcp_call_arguments.delta"
	EventMCPCallArgsDone               EventType = "response.mcp_call_arguments.done"
	EventMCPCallInProgress             EventType = "response.mcp_call.in_progress"
	EventMCPCallCompleted              EventType = "response.mcp_call.completed"
	EventMCPCallFailed                 EventType = "response.mcp_call.failed"
	EventMCPListToolsInProgress        EventType = "mcp_list_tools.in_progress"
	EventMCPListToolsCompleted         EventType = "mcp_list_tools.completed"
	EventMCPListToolsFailed            EventType = "mcp_list_tools.failed"
	EventRateLimitsUpdated             EventType = "rate_limits.updated"
)

var ErrMissingType = errors.New("event has no type")

// Item is the subset of a conversation item the engine reads.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type,omitempty"`
	Role   string `json:"role,omitempty"`
	Status string `json:"status,omitempty"`
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// Event is a decoded inbound message. Fields not used by the engine stay in Raw.
type Event struct {
	Type    EventType    `json:"type"`
	EventID string       `json:"event_id,omitempty"`
	ItemID  string       `json:"item_id,omitempty"`
	Delta   string       `json:"delta,omitempty"`
	Item    *Item        `json:"item,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`

	Raw []byte `json:"-"`
}

// DecodeEvent parses one inbound websocket message.
func DecodeEvent(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	if evt.Type == "" {
		return Event{}, ErrMissingType
	}
	evt.Raw = raw
	return evt, nil
}

// ItemIdentifier returns the conversation item id carried by the event, if any.
func (e Event) ItemIdentifier() string {
	if e.Item != nil && e.Item.ID != "" {
		return e.Item.ID
	}
	return e.ItemID
}
