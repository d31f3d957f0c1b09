package sharedstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Router handles message delivery and address resolution.
type Router struct {
	root string
}

// NewRouter creates a router for the inboxes under root.
func NewRouter(root string) *Router {
	return &Router{root: root}
}

// Send delivers a message to its recipient.
func (r *Router) Send(msg *Message) error {
	inbox, err := r.GetInbox(msg.To)
	if err != nil {
		return fmt.Errorf("resolving address '%s': %w", msg.To, err)
	}
	if err := inbox.Append(msg); err != nil {
		return fmt.Errorf("delivering message: %w", err)
	}
	return nil
}

// Broadcast delivers a copy of msg to every recipient except the sender. It returns the
// first delivery failure after trying everyone.
func (r *Router) Broadcast(msg *Message, recipients []string) error {
	var first error
	for _, to := range recipients {
		if to == msg.From {
			continue
		}
		m := *msg
		m.To = to
		if err := r.Send(&m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ResolveInbox converts a client id to its inbox path: <root>/<client>/inbox.jsonl.
func (r *Router) ResolveInbox(clientID string) (string, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return "", ErrEmptyAddress
	}
	if strings.ContainsAny(clientID, `/\`) || clientID == "." || clientID == ".." {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, clientID)
	}
	return filepath.Join(r.root, clientID, "inbox.jsonl"), nil
}

// GetInbox returns the Inbox for a client id.
func (r *Router) GetInbox(clientID string) (*Inbox, error) {
	path, err := r.ResolveInbox(clientID)
	if err != nil {
		return nil, err
	}
	return NewInbox(path), nil
}

// Remove deletes a client's inbox directory.
func (r *Router) Remove(clientID string) error {
	path, err := r.ResolveInbox(clientID)
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Dir(path))
}
