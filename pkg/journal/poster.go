package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/pkg/app/core/events"
)

// Poster assigns posting ids and appends postings to a Journal off the trading path.
// Emit never blocks on the journal; Run does the writing.
type Poster struct {
	journal Journal
	node    *snowflake.Node
	log     *zap.Logger

	maxElapsed time.Duration

	mu     sync.Mutex
	queue  []Posting
	notify chan struct{}

	drainMu sync.Mutex // one writer at a time keeps journal order

	emitted atomic.Int64
	settled atomic.Int64 // appended or dropped as a conflict

	appended *events.Bus[Posting]
	written  atomic.Int64
	dropped  atomic.Int64
}

// retryPause is how long Run waits before retrying a posting whose retries ran out.
const retryPause = time.Second

type PosterOption func(*Poster)

// WithMaxRetryElapsed bounds how long one posting is retried. Zero retries until cancelled.
func WithMaxRetryElapsed(d time.Duration) PosterOption {
	return func(p *Poster) { p.maxElapsed = d }
}

func WithNode(n *snowflake.Node) PosterOption {
	return func(p *Poster) { p.node = n }
}

func NewPoster(j Journal, log *zap.Logger, opts ...PosterOption) (*Poster, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Poster{
		journal: j,
		log:     log.Named("journal"),
		notify:  make(chan struct{}, 1),
	}
	p.appended = events.NewBus[Posting]("postings", p.log)
	for _, opt := range opts {
		opt(p)
	}
	if p.node == nil {
		node, err := snowflake.NewNode(2)
		if err != nil {
			return nil, err
		}
		p.node = node
	}
	return p, nil
}

// Appended is notified once a posting is durably in the journal.
func (p *Poster) Appended() *events.Bus[Posting] { return p.appended }

// Emit builds one posting with a fresh id and queues it.
func (p *Poster) Emit(kind Kind, ref string, at time.Time, lines ...Line) (Posting, error) {
	posting := Posting{
		Kind:  kind,
		Ref:   ref,
		Time:  at,
		Lines: lines,
	}
	if err := posting.Validate(); err != nil {
		p.log.Error("posting_rejected", zap.String("kind", string(kind)), zap.String("ref", ref), zap.Error(err))
		return Posting{}, err
	}

	// ids are assigned under the queue lock so queue order is id order
	p.mu.Lock()
	posting.ID = p.node.Generate().Int64()
	p.queue = append(p.queue, posting)
	p.emitted.Add(1)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return posting, nil
}

// Run appends queued postings until ctx is cancelled. A posting whose append
// is interrupted goes back to the head of the queue, so whatever Run leaves
// behind is still there for Close.
func (p *Poster) Run(ctx context.Context) error {
	p.log.Info("journal_poster_started")
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			p.log.Info("journal_poster_stopped",
				zap.Int64("written", p.written.Load()),
				zap.Int64("dropped", p.dropped.Load()),
				zap.Int("pending", p.Pending()))
			return nil
		case <-p.notify:
		case <-retry:
		}
		retry = nil
		if err := p.drain(ctx); err != nil && ctx.Err() == nil {
			retry = time.After(retryPause)
		}
	}
}

// Close appends whatever is still queued, retrying until ctx is done. Call it
// after Run has returned. Postings it cannot append stay queued and are logged
// in ledger form.
func (p *Poster) Close(ctx context.Context) error {
	err := p.drain(ctx)
	if err == nil {
		return nil
	}
	p.mu.Lock()
	left := append([]Posting(nil), p.queue...)
	p.mu.Unlock()
	for _, posting := range left {
		p.log.Error("posting_unwritten",
			zap.Int64("id", posting.ID),
			zap.String("kind", string(posting.Kind)),
			zap.String("ledger", posting.Ledger()))
	}
	return errors.Wrapf(err, "journal: %d postings not appended", len(left))
}

func (p *Poster) take() []Posting {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.queue
	p.queue = nil
	return batch
}

// requeue puts batch back ahead of anything emitted since it was taken.
func (p *Poster) requeue(batch []Posting) {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := make([]Posting, 0, len(batch)+len(p.queue))
	p.queue = append(append(queue, batch...), p.queue...)
}

// drain appends the queue in id order. Conflicts are dropped since the id is
// already taken by different content; any other failure requeues the rest.
func (p *Poster) drain(ctx context.Context) error {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	batch := p.take()
	for i, posting := range batch {
		err := p.appendWithRetry(ctx, posting)
		switch {
		case err == nil:
			p.written.Add(1)
			p.settled.Add(1)
			p.appended.Publish(posting)
		case errors.Is(err, ErrConflict):
			p.dropped.Add(1)
			p.settled.Add(1)
			p.log.Error("posting_conflict",
				zap.Int64("id", posting.ID),
				zap.String("kind", string(posting.Kind)),
				zap.String("ref", posting.Ref),
				zap.Error(err))
		default:
			p.requeue(batch[i:])
			p.log.Warn("posting_append_deferred",
				zap.Int64("id", posting.ID),
				zap.Int("requeued", len(batch)-i),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// appendWithRetry reuses the posting id on every attempt so journals can deduplicate.
func (p *Poster) appendWithRetry(ctx context.Context, posting Posting) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = p.maxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := p.journal.Append(ctx, posting)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) {
			return backoff.Permanent(err)
		}
		p.log.Warn("posting_append_retry",
			zap.Int64("id", posting.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(bo, ctx))
}

// Flush waits until Run has appended every posting emitted so far.
func (p *Poster) Flush(ctx context.Context) error {
	target := p.emitted.Load()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for p.settled.Load() < target {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (p *Poster) Written() int64 { return p.written.Load() }
func (p *Poster) Dropped() int64 { return p.dropped.Load() }

// Pending is the number of postings emitted but not yet appended.
func (p *Poster) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
