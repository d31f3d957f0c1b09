package sharedstate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/docsync/internal/logging"
)

// Handler receives drained messages, oldest first.
type Handler func(messages []*Message)

// Watcher drains an inbox whenever fsnotify reports that it changed.
type Watcher struct {
	inbox   *Inbox
	handler Handler
	log     *logrus.Entry
	fs      *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher watches inbox's directory, creating it if needed.
func NewWatcher(inbox *Inbox, handler Handler, log *logrus.Entry) (*Watcher, error) {
	dir := filepath.Dir(inbox.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating inbox directory: %w", err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &Watcher{
		inbox:   inbox,
		handler: handler,
		log:     logging.OrDiscard(log),
		fs:      fs,
		done:    make(chan struct{}),
	}, nil
}

// Start delivers anything already waiting and then watches for new messages.
func (w *Watcher) Start() {
	w.drain()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Name != w.inbox.Path() || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			w.drain()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("inbox watcher error")
			// Events may have been dropped.
			w.drain()
		}
	}
}

func (w *Watcher) drain() {
	messages, err := w.inbox.Drain()
	if err != nil {
		w.log.WithError(err).Warn("draining inbox failed")
	}
	if len(messages) > 0 {
		w.log.WithField("messages", len(messages)).Debug("received shared state")
		w.handler(messages)
	}
}

// Close stops watching and waits for the watch goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fs.Close()
		<-w.done
	})
	return err
}
