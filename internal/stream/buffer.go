// Package stream buffers incremental memory captures so agents can emit
// content in chunks and commit it as a single memory.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

const (
	// Open streams that see no Append are reaped after this long.
	defaultTTL = time.Hour

	cleanupInterval = 5 * time.Minute
)

// ErrStreamNotFound is returned for unknown or already-reaped stream ids.
var ErrStreamNotFound = fmt.Errorf("stream not found")

// Adder is the single write the buffer needs from the memory store.
type Adder interface {
	Add(ctx context.Context, content string, opts storage.AddOptions) (*types.Memory, error)
}

type entry struct {
	chunks     []string
	opts       storage.AddOptions
	lastActive time.Time
}

// Buffer holds in-flight streams in memory. Streams survive process life
// only; a restart drops them, which is acceptable for capture-in-progress.
type Buffer struct {
	store  Adder
	logger *slog.Logger
	now    func() time.Time
	ttl    time.Duration

	mu      sync.Mutex
	streams map[string]*entry

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Buffer.
type Option func(*Buffer)

func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(b *Buffer) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// NewBuffer builds a stream buffer and starts its reaper.
func NewBuffer(store Adder, opts ...Option) *Buffer {
	b := &Buffer{
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		ttl:     defaultTTL,
		streams: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.reapLoop()
	return b
}

// Close stops the reaper. In-flight streams are discarded.
func (b *Buffer) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Start opens a stream and returns its id. The add options are captured now
// and applied at Finalize.
func (b *Buffer) Start(opts storage.AddOptions) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.streams[id] = &entry{opts: opts, lastActive: b.now()}
	b.mu.Unlock()
	return id
}

// Append adds a chunk to an open stream and refreshes its TTL.
func (b *Buffer) Append(streamID, chunk string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.streams[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	e.chunks = append(e.chunks, chunk)
	e.lastActive = b.now()
	return nil
}

// Finalize closes the stream and commits the joined content as one memory.
// A stream whose content trims to nothing commits nothing and returns nil.
func (b *Buffer) Finalize(ctx context.Context, streamID string) (*types.Memory, error) {
	b.mu.Lock()
	e, ok := b.streams[streamID]
	if ok {
		delete(b.streams, streamID)
	}
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}

	content := strings.TrimSpace(strings.Join(e.chunks, ""))
	if content == "" {
		return nil, nil
	}
	return b.store.Add(ctx, content, e.opts)
}

// Cancel discards an open stream without committing anything.
func (b *Buffer) Cancel(streamID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[streamID]; !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	delete(b.streams, streamID)
	return nil
}

// Len reports the number of open streams.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *Buffer) reapLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if reaped := b.reapExpired(); reaped > 0 {
				b.logger.Info("reaped expired streams", "count", reaped)
			}
		}
	}
}

// reapExpired drops streams idle past the TTL.
func (b *Buffer) reapExpired() int {
	cutoff := b.now().Add(-b.ttl)
	b.mu.Lock()
	defer b.mu.Unlock()
	reaped := 0
	for id, e := range b.streams {
		if e.lastActive.Before(cutoff) {
			delete(b.streams, id)
			reaped++
		}
	}
	return reaped
}
