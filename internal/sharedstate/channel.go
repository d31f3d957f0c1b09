package sharedstate

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/queue"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/syncengine"
)

// NotifyDelay batches document change notifications raised close together.
const NotifyDelay = 10 * time.Millisecond

// PeerLister returns the ids of the clients currently sharing the persistence layer.
type PeerLister func(ctx context.Context) ([]string, error)

var _ syncengine.SharedState = (*Channel)(nil)

// Channel sends one client's notifications to its peers. Its methods are called by the
// sync engine on the queue.
type Channel struct {
	clientID string
	router   *Router
	peers    PeerLister
	queue    *queue.AsyncQueue
	log      *logrus.Entry

	changed model.DocumentKeySet
	flush   *queue.DelayedOperation
}

// NewChannel returns a channel sending from clientID through router.
func NewChannel(clientID string, router *Router, peers PeerLister, q *queue.AsyncQueue, log *logrus.Entry) *Channel {
	return &Channel{
		clientID: clientID,
		router:   router,
		peers:    peers,
		queue:    q,
		log:      logging.OrDiscard(log),
		changed:  model.NewDocumentKeySet(),
	}
}

// Inbox returns the client's own inbox.
func (c *Channel) Inbox() (*Inbox, error) {
	return c.router.GetInbox(c.clientID)
}

func (c *Channel) broadcast(msg *Message) {
	peers, err := c.peers(context.Background())
	if err != nil {
		c.log.WithError(err).Warn("listing peer clients failed")
		return
	}
	if err := c.router.Broadcast(msg, peers); err != nil {
		c.log.WithError(err).WithField("kind", msg.Kind).Warn("notifying peer clients failed")
	}
}

// AddPendingMutation tells the primary a new batch is queued.
func (c *Channel) AddPendingMutation(user model.User, batchID int) {
	msg := NewMessage(c.clientID, "", KindMutationBatch)
	msg.User = user.UID
	msg.BatchID = batchID
	msg.BatchState = BatchPending
	c.broadcast(msg)
}

// UpdateMutationState reports a batch outcome to the client that queued it.
func (c *Channel) UpdateMutationState(user model.User, batchID int, keys model.DocumentKeySet, err error) {
	msg := NewMessage(c.clientID, "", KindMutationBatch)
	msg.User = user.UID
	msg.BatchID = batchID
	msg.BatchState = BatchAcknowledged
	if err != nil {
		msg.BatchState = BatchRejected
		msg.SetError(err)
	}
	msg.SetKeys(keys)
	c.broadcast(msg)
}

// NotifyDocumentsChanged collects keys and sends them after NotifyDelay.
func (c *Channel) NotifyDocumentsChanged(keys model.DocumentKeySet) {
	c.changed.AddAll(keys)
	if c.flush != nil {
		return
	}
	c.flush = c.queue.EnqueueAfterDelay(queue.TimerSharedStateNotify, NotifyDelay, func() error {
		c.flushChanges()
		return nil
	})
}

func (c *Channel) flushChanges() {
	c.flush = nil
	if c.changed.Len() == 0 {
		return
	}
	msg := NewMessage(c.clientID, "", KindDocumentsChanged)
	msg.SetKeys(c.changed)
	c.changed = model.NewDocumentKeySet()
	c.broadcast(msg)
}

// SetOnlineState shares the primary's online state.
func (c *Channel) SetOnlineState(state remote.OnlineState) {
	msg := NewMessage(c.clientID, "", KindOnlineState)
	msg.OnlineState = state.String()
	c.broadcast(msg)
}

// Close drops any unsent change notification.
func (c *Channel) Close() {
	if c.flush != nil {
		c.flush.Cancel()
		c.flush = nil
	}
}
