package dispatch

import (
	"log"

	"github.com/twinlife/conversationcore/observer"
	"github.com/twinlife/conversationcore/operation"
)

// CompletionBridge implements scheduler.CompletionObserver, translating a
// finished operation into the descriptor-timestamp update and observer
// notification spec §4.5 "Completion" describes. It is a thin bridge
// rather than living on Dispatcher itself so a caller can wire completion
// handling independently of inbound-frame handling (e.g. in tests that
// never decode frames).
type CompletionBridge struct {
	Bus *observer.Bus
}

func NewCompletionBridge(bus *observer.Bus) *CompletionBridge {
	return &CompletionBridge{Bus: bus}
}

// OnOperationComplete fires OnUpdateDescriptorTimestamps for any operation
// carrying a descriptor (spec §4.5, §6.4).
func (c *CompletionBridge) OnOperationComplete(op *operation.Operation, deviceState uint64, receivedTimestamp int64) {
	if op.DescriptorID == 0 {
		return
	}
	c.Bus.Publish(observer.Event{
		Type:           observer.OnUpdateDescriptorTimestamps,
		ConversationID: op.ConversationID,
		DescriptorID:   op.DescriptorID,
		RequestID:      op.RequestID,
		Data: map[string]int64{
			"sentTimestamp":     op.CreationTimestamp,
			"receivedTimestamp": receivedTimestamp,
		},
	})
}

// OnOperationFailed publishes an OnError event; the scheduler has already
// applied backoff via HandleConnectionClosed or the CompleteByRequestID
// failure path before this runs.
func (c *CompletionBridge) OnOperationFailed(op *operation.Operation, err error) {
	log.Printf("[dispatch] operation %d (%v) on %s failed: %v", op.ID, op.Type, op.ConversationID, err)
	c.Bus.Publish(observer.Event{
		Type:           observer.OnError,
		ConversationID: op.ConversationID,
		DescriptorID:   op.DescriptorID,
		Err:            err,
	})
}
