package sharedstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Common errors
var (
	ErrEmptyAddress   = errors.New("empty client address")
	ErrInvalidAddress = errors.New("invalid client address")
)

// Inbox is a JSONL file of messages addressed to one client.
type Inbox struct {
	path string
}

// NewInbox creates an inbox at the given path.
func NewInbox(path string) *Inbox {
	return &Inbox{path: path}
}

// Path returns the inbox file path.
func (b *Inbox) Path() string {
	return b.path
}

// List returns the messages in the inbox, oldest first, without removing them.
func (b *Inbox) List() ([]*Message, error) {
	return readMessages(b.path)
}

// Append adds a message to the inbox. Each message is written with a single append so
// concurrent senders never interleave lines.
func (b *Inbox) Append(msg *Message) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Drain removes and returns every message in the inbox, oldest first. The file is renamed
// before reading, so messages appended meanwhile land in a fresh inbox.
func (b *Inbox) Drain() ([]*Message, error) {
	draining := b.path + ".draining"
	if err := os.Rename(b.path, draining); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("draining inbox: %w", err)
	}
	messages, err := readMessages(draining)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(draining); err != nil {
		return messages, fmt.Errorf("removing drained inbox: %w", err)
	}
	return messages, nil
}

// Count returns the number of undelivered messages.
func (b *Inbox) Count() (int, error) {
	messages, err := b.List()
	if err != nil {
		return 0, err
	}
	return len(messages), nil
}

func readMessages(path string) ([]*Message, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var messages []*Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // Skip malformed lines
		}
		messages = append(messages, &msg)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// IDs are ULIDs, so they sort by send time.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ID < messages[j].ID
	})

	return messages, nil
}
