package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/models"
)

// FlushFunc writes a coalesced batch in one transaction
type FlushFunc func(ctx context.Context, events []*models.TransferEvent) error

type submission struct {
	events []*models.TransferEvent
	done   chan error
}

// WriteBuffer coalesces submissions from concurrent backfill jobs into a
// single ledger transaction, which keeps them from deadlocking each other on
// shared balance rows. Every submitter receives the result of the flush that
// carried its rows.
type WriteBuffer struct {
	flush    FlushFunc
	maxRows  int
	interval time.Duration

	submissions chan *submission

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWriteBuffer creates a buffer that flushes when maxRows are pending or
// every interval, whichever comes first.
func NewWriteBuffer(flush FlushFunc, maxRows int, interval time.Duration) *WriteBuffer {
	if maxRows <= 0 {
		maxRows = 5000
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &WriteBuffer{
		flush:       flush,
		maxRows:     maxRows,
		interval:    interval,
		submissions: make(chan *submission),
	}
}

// Start runs the flush loop until Stop
func (b *WriteBuffer) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.loop(context.WithoutCancel(ctx))
}

// Stop flushes what is pending and waits for the loop to exit
func (b *WriteBuffer) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.stopCh)
	b.mu.Unlock()
	<-b.doneCh
}

// Submit queues events and blocks until the flush that includes them
// finishes. A buffer that is not running writes the events directly.
func (b *WriteBuffer) Submit(ctx context.Context, events []*models.TransferEvent) error {
	b.mu.Lock()
	running := b.started
	stopCh := b.stopCh
	b.mu.Unlock()
	if !running {
		return b.flush(ctx, events)
	}

	sub := &submission{events: events, done: make(chan error, 1)}
	select {
	case b.submissions <- sub:
	case <-stopCh:
		return b.flush(ctx, events)
	case <-ctx.Done():
		return ctx.Err()
	}

	// once accepted the rows will be written; wait for the outcome
	select {
	case err := <-sub.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *WriteBuffer) loop(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var (
		pending []*submission
		rows    int
	)
	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		batch := make([]*models.TransferEvent, 0, rows)
		for _, s := range pending {
			batch = append(batch, s.events...)
		}
		err := b.flush(ctx, batch)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("rows", len(batch)).Error("Write buffer flush failed")
		}
		for _, s := range pending {
			s.done <- err
		}
		pending = nil
		rows = 0
	}

	for {
		select {
		case sub := <-b.submissions:
			pending = append(pending, sub)
			rows += len(sub.events)
			if rows >= b.maxRows {
				flushPending()
			}
		case <-ticker.C:
			flushPending()
		case <-b.stopCh:
			flushPending()
			return
		}
	}
}
