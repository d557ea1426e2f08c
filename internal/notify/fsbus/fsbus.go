// Package fsbus is a multi-process notify.Bus: publishing a topic touches a
// marker file in a shared directory, and subscribers watch that directory
// with fsnotify to catch create, write and chmod (timestamp change) events.
// It lets several worker
// processes sharing one sqlite database wake each other on job availability
// without their own RPC channel.
package fsbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval coalesces bursts of writes to one marker file into a
// single wake.
const debounceInterval = 20 * time.Millisecond

// Bus is a directory-backed, cross-process notify.Bus.
type Bus struct {
	dir     string
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	subs map[string]map[int]chan struct{}
	next int

	done chan struct{}
}

// New creates the backing directory if needed and starts watching it.
func New(dir string) (*Bus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsbus: create directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsbus: new watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("fsbus: watch directory: %w", err)
	}

	b := &Bus{
		dir:     dir,
		watcher: watcher,
		subs:    make(map[string]map[int]chan struct{}),
		done:    make(chan struct{}),
	}
	go b.run()
	return b, nil
}

func (b *Bus) markerPath(topic string) string {
	sum := sha256.Sum256([]byte(topic))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:8])+".notify")
}

// Publish touches the topic's marker file: the first publish creates it (a
// Create event), later ones update its timestamps (a Chmod event). Any
// watching process picks up either.
func (b *Bus) Publish(_ context.Context, topic string) error {
	path := b.markerPath(topic)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("fsbus: touch marker: %w", err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("fsbus: create marker: %w", err)
		}
		f.Close()
	}
	return nil
}

// Subscribe returns a channel woken whenever another process (or this one)
// publishes topic.
func (b *Bus) Subscribe(topic string) (<-chan struct{}, func()) {
	path := b.markerPath(topic)

	b.mu.Lock()
	ch := make(chan struct{}, 1)
	id := b.next
	b.next++
	if b.subs[path] == nil {
		b.subs[path] = make(map[int]chan struct{})
	}
	b.subs[path][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[path], id)
		if len(b.subs[path]) == 0 {
			delete(b.subs, path)
		}
	}
	return ch, cancel
}

func (b *Bus) run() {
	pending := make(map[string]bool)
	debounce := time.NewTimer(debounceInterval)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-b.done:
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
				continue
			}
			pending[event.Name] = true
			debounce.Reset(debounceInterval)

		case <-debounce.C:
			b.mu.Lock()
			for path := range pending {
				for _, ch := range b.subs[path] {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
			b.mu.Unlock()
			pending = make(map[string]bool)

		case _, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher goroutine and releases fsnotify resources.
func (b *Bus) Close() error {
	close(b.done)
	return b.watcher.Close()
}
