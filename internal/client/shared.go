package client

import (
	"context"

	"github.com/steveyegge/docsync/internal/sharedstate"
)

// handleSharedState runs on the inbox watcher's goroutine and moves the work to the queue.
func (c *Client) handleSharedState(messages []*sharedstate.Message) {
	c.queue.EnqueueAndForget(func() error {
		for _, msg := range messages {
			if err := c.applySharedMessage(context.Background(), msg); err != nil {
				c.log.WithError(err).WithField("kind", msg.Kind).Warn("applying shared state failed")
			}
		}
		return nil
	})
}

func (c *Client) applySharedMessage(ctx context.Context, msg *sharedstate.Message) error {
	primary := c.engine.IsPrimary()
	switch msg.Kind {
	case sharedstate.KindMutationBatch:
		if msg.BatchState == sharedstate.BatchPending {
			// The primary sends batches for whichever user it runs as.
			if primary && msg.UserOf() == c.local.User() {
				return c.remote.FillWritePipeline()
			}
			return nil
		}
		if primary {
			return nil
		}
		keys, err := msg.DocumentKeys()
		if err != nil {
			return err
		}
		return c.engine.ApplyBatchState(ctx, msg.UserOf(), msg.BatchID, keys, msg.Err())
	case sharedstate.KindDocumentsChanged:
		if primary {
			return nil
		}
		keys, err := msg.DocumentKeys()
		if err != nil {
			return err
		}
		return c.engine.ApplyDocumentChanges(ctx, keys)
	case sharedstate.KindOnlineState:
		return c.engine.ApplySharedOnlineState(sharedstate.ParseOnlineState(msg.OnlineState))
	default:
		c.log.WithField("kind", msg.Kind).Debug("ignoring unknown shared state message")
		return nil
	}
}
