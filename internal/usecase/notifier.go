package usecase

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"FilingScanner/internal/config"
	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

const subscriberBuffer = 64

// Notifier publishes change notifications to live subscribers and push sinks. It retains a short
// replay window so reconnecting subscribers can catch up; anything older must be re-read from the
// result store.
type Notifier struct {
	size        int
	window      time.Duration
	pushTimeout time.Duration
	sinks       []ports.PushChannel
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	seq    uint64
	replay []domain.Notification
	subs   map[*subscription]struct{}
	closed bool

	pushes sync.WaitGroup
}

var _ ports.NotificationFeed = (*Notifier)(nil)

// NewNotifier builds a notifier forwarding to sinks.
func NewNotifier(cfg config.NotifierConfig, logger *slog.Logger, sinks ...ports.PushChannel) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	size := cfg.ReplaySize
	if size < 1 {
		size = 1
	}
	return &Notifier{
		size:        size,
		window:      cfg.ReplayWindow,
		pushTimeout: cfg.PushTimeout,
		sinks:       sinks,
		logger:      logger,
		now:         time.Now,
		subs:        map[*subscription]struct{}{},
	}
}

// Publish stamps n with an id and the next sequence number, delivers it without blocking and
// returns the stamped notification. Subscribers that cannot keep up are dropped with a gap.
// After Close notifications are still stamped and retained but no longer pushed to sinks.
func (n *Notifier) Publish(note domain.Notification) domain.Notification {
	n.mu.Lock()
	n.seq++
	note.ID = uuid.New()
	note.Sequence = n.seq
	note.PublishedAt = n.now().UTC()

	n.replay = append(n.replay, note)
	n.prune(note.PublishedAt)

	for sub := range n.subs {
		select {
		case sub.ch <- note:
		default:
			sub.gap.Store(true)
			n.drop(sub)
			n.logger.Warn("subscriber dropped, buffer full", "sequence", note.Sequence)
		}
	}
	sinks := n.sinks
	if n.closed {
		sinks = nil
	}
	// Registered under mu so Close never waits on a group that is still growing.
	n.pushes.Add(len(sinks))
	n.mu.Unlock()

	for _, sink := range sinks {
		go n.push(sink, note)
	}
	n.logger.Debug("notification published",
		"filing_id", note.FilingID, "kind", note.Kind, "sequence", note.Sequence)
	return note
}

func (n *Notifier) push(sink ports.PushChannel, note domain.Notification) {
	defer n.pushes.Done()
	ctx := context.Background()
	if n.pushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.pushTimeout)
		defer cancel()
	}
	if err := sink.Push(ctx, note); err != nil {
		n.logger.Warn("push notification failed", "filing_id", note.FilingID, "error", err)
	}
}

// prune keeps at most size notifications, none older than window. Callers hold mu.
func (n *Notifier) prune(now time.Time) {
	drop := max(len(n.replay)-n.size, 0)
	if n.window > 0 {
		cutoff := now.Add(-n.window)
		for drop < len(n.replay) && n.replay[drop].PublishedAt.Before(cutoff) {
			drop++
		}
	}
	if drop > 0 {
		n.replay = append(n.replay[:0:0], n.replay[drop:]...)
	}
}

// Subscribe replays retained notifications with a sequence above after and then streams live
// ones. after == 0 subscribes to live notifications only. The subscription reports a gap when
// notifications after the given sequence are no longer retained.
func (n *Notifier) Subscribe(after uint64) ports.Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prune(n.now().UTC())

	var backlog []domain.Notification
	gap := false
	if after > 0 {
		switch {
		case after > n.seq:
			// Sequences restart with the process.
			gap = true
		case len(n.replay) == 0:
			gap = after < n.seq
		default:
			gap = after+1 < n.replay[0].Sequence
			for _, note := range n.replay {
				if note.Sequence > after {
					backlog = append(backlog, note)
				}
			}
		}
	}

	sub := &subscription{
		owner: n,
		ch:    make(chan domain.Notification, len(backlog)+subscriberBuffer),
	}
	sub.gap.Store(gap)
	for _, note := range backlog {
		sub.ch <- note
	}
	if n.closed {
		close(sub.ch)
		return sub
	}
	n.subs[sub] = struct{}{}
	return sub
}

// Subscribers reports the number of live subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Sequence returns the last assigned sequence number.
func (n *Notifier) Sequence() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// Close ends every subscription and waits for in-flight pushes. It is safe to call more than once.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	for sub := range n.subs {
		n.drop(sub)
	}
	n.mu.Unlock()
	n.pushes.Wait()
}

// drop removes sub and closes its channel. Callers hold mu.
func (n *Notifier) drop(sub *subscription) {
	if _, ok := n.subs[sub]; !ok {
		return
	}
	delete(n.subs, sub)
	close(sub.ch)
}

type subscription struct {
	owner *Notifier
	ch    chan domain.Notification
	gap   atomic.Bool
}

func (s *subscription) C() <-chan domain.Notification { return s.ch }

func (s *subscription) Gap() bool { return s.gap.Load() }

func (s *subscription) Close() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.owner.drop(s)
}
