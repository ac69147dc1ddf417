package session

import (
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/voxlink/internal/observability"
	"github.com/ent0n29/voxlink/internal/protocol"
	"github.com/ent0n29/voxlink/internal/reliability"
)

type handlerFunc func(protocol.Event)

// Router maps inbound event types to handlers. The table is fixed at
// construction; unknown types are logged and skipped.
type Router struct {
	c       *Coordinator
	log     *zap.Logger
	metrics *observability.Metrics
	table   map[protocol.EventType]handlerFunc

	reclaim      func()
	reclaimLimit *rate.Limiter
}

func newRouter(c *Coordinator, reclaim func(), reclaimEvery time.Duration) *Router {
	r := &Router{
		c:            c,
		log:          c.log.Named("router"),
		metrics:      c.metrics,
		reclaim:      reclaim,
		reclaimLimit: rate.NewLimiter(rate.Every(reclaimEvery), 1),
	}
	r.table = map[protocol.EventType]handlerFunc{
		protocol.EventSpeechStarted:             r.onSpeechStarted,
		protocol.EventSpeechStopped:             r.onSpeechStopped,
		protocol.EventConversationItemCreated:   r.onItemCreated,
		protocol.EventResponseAudioDelta:        r.onAudioDelta,
		protocol.EventResponseOutputAudioDelta:  r.onAudioDelta,
		protocol.EventResponseDone:              r.onResponseDone,
		protocol.EventConversationItemTruncated: r.onItemTruncated,
		protocol.EventSessionCreated:            r.onSessionCreated,
		protocol.EventError:                     r.onError,
	}
	for _, t := range []protocol.EventType{
		protocol.EventSessionUpdated,
		protocol.EventTranscriptionSessionCreated,
		protocol.EventTranscriptionSessionUpdated,
		protocol.EventConversationItemRetrieved,
		protocol.EventConversationItemDeleted,
		protocol.EventInputTranscriptionCompleted,
		protocol.EventInputTranscriptionDelta,
		protocol.EventInputTranscriptionSegment,
		protocol.EventInputTranscriptionFailed,
		protocol.EventInputAudioCommitted,
		protocol.EventInputAudioCleared,
		protocol.EventInputAudioTimeout,
		protocol.EventResponseCreated,
		protocol.EventResponseCancelled,
		protocol.EventResponseOutputItemAdded,
		protocol.EventResponseOutputItemDone,
		protocol.EventResponseContentPartAdded,
		protocol.EventResponseContentPartDone,
		protocol.EventResponseTextDelta,
		protocol.EventResponseOutputTextDelta,
		protocol.EventResponseOutputTextDone,
		protocol.EventResponseAudioTranscriptDelta,
		protocol.EventResponseAudioTranscriptDone,
		protocol.EventResponseOutputTranscriptDelta,
		protocol.EventResponseOutputTranscriptDone,
		protocol.EventResponseAudioDone,
		protocol.EventResponseOutputAudioDone,
		protocol.EventFunctionCallArgsDelta,
		protocol.EventFunctionCallArgsDone,
		protocol.EventMCPCallArgsDelta,
		protocol.EventMCPCallArgsDone,
		protocol.EventMCPCallInProgress,
		protocol.EventMCPCallCompleted,
		protocol.EventMCPCallFailed,
		protocol.EventMCPListToolsInProgress,
		protocol.EventMCPListToolsCompleted,
		protocol.EventMCPListToolsFailed,
		protocol.EventRateLimitsUpdated,
	} {
		r.table[t] = r.logOnly
	}
	return r
}

// Handles reports whether t has a table entry.
func (r *Router) Handles(t protocol.EventType) bool {
	_, ok := r.table[t]
	return ok
}

// Dispatch runs the handler for evt on the caller's goroutine.
func (r *Router) Dispatch(evt protocol.Event) {
	h, ok := r.table[evt.Type]
	if !ok {
		err := fmt.Errorf("%w: %s", reliability.ErrUnknownEventType, evt.Type)
		r.log.Warn("unhandled event", zap.Error(err))
		r.metrics.ObserveError(err)
		return
	}
	h(evt)
}

func (r *Router) onSpeechStarted(protocol.Event) {
	r.c.player.Stop()
	if err := r.c.activity.On(); err != nil {
		r.log.Debug("activity indicator", zap.Error(err))
	}
	r.c.monitor.Conversation.Reset()
	r.log.Debug("speech started")
}

func (r *Router) onSpeechStopped(protocol.Event) {
	if err := r.c.activity.Off(); err != nil {
		r.log.Debug("activity indicator", zap.Error(err))
	}
	r.c.monitor.Conversation.Reset()
	r.log.Debug("speech stopped")
}

func (r *Router) onItemCreated(evt protocol.Event) {
	id := evt.ItemIdentifier()
	r.c.recordItem(id)
	r.log.Debug("conversation item created", zap.String("item_id", id))
}

func (r *Router) onAudioDelta(evt protocol.Event) {
	if r.c.interrupted() {
		r.metrics.ObserveDropped("interrupted")
		return
	}
	frame, err := base64.StdEncoding.DecodeString(evt.Delta)
	if err != nil {
		derr := &reliability.DecodeError{Size: len(evt.Delta), Err: err}
		r.log.Warn("bad audio delta", zap.Error(derr))
		r.metrics.ObserveError(derr)
		return
	}
	if len(frame) == 0 {
		return
	}
	if err := r.c.bridge.Playback(frame); err != nil {
		r.metrics.ObserveDropped("playback_failed")
		r.log.Debug("playback", zap.Error(err))
	}
}

func (r *Router) onResponseDone(protocol.Event) {
	if r.reclaimLimit.Allow() {
		r.reclaim()
	}
	r.log.Debug("response done")
}

func (r *Router) onItemTruncated(evt protocol.Event) {
	id := evt.ItemIdentifier()
	if !r.c.confirmTruncate(id) {
		r.log.Debug("truncation for another item ignored", zap.String("item_id", id))
		return
	}
	r.log.Info("conversation item truncated", zap.String("item_id", id))
}

func (r *Router) onSessionCreated(protocol.Event) {
	if !r.c.completeHandshake() {
		r.log.Warn("session.created outside handshake ignored")
		return
	}
	r.log.Debug("handshake complete")
}

func (r *Router) onError(evt protocol.Event) {
	fields := []zap.Field{zap.String("event_id", evt.EventID)}
	if d := evt.Error; d != nil {
		fields = append(fields,
			zap.String("type", d.Type),
			zap.String("code", d.Code),
			zap.String("message", d.Message),
			zap.String("param", d.Param),
		)
	}
	r.log.Warn("server error event", fields...)
	r.metrics.ObserveSessionEvent("server_error")
}

func (r *Router) logOnly(evt protocol.Event) {
	r.log.Debug("event", zap.String("type", string(evt.Type)), zap.String("event_id", evt.EventID))
}
