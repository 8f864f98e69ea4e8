// Package jobs carries ended live sessions through their finalization:
// queueing, optional delay, and the replay-or-cleanup decision.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EndingJob is the payload of one live-ending run. SessionID may be empty on
// the crash-recovery path; the handler then resolves the latest session of
// the video itself.
type EndingJob struct {
	VideoID             string     `json:"videoId"`
	SessionID           string     `json:"sessionId,omitempty"`
	StreamingPlaylistID string     `json:"streamingPlaylistId,omitempty"`
	ReplayDirectory     string     `json:"replayDirectory,omitempty"`
	PublishedAt         *time.Time `json:"publishedAt,omitempty"`
}

// Queue hands ending jobs to a worker, optionally after a delay. The
// implementation is either in-memory for single-process deployments or Redis
// Streams when workers run out of process.
type Queue interface {
	Enqueue(ctx context.Context, job EndingJob, delay time.Duration) error
	Subscribe() Subscription
}

// Subscription represents an active job stream.
type Subscription interface {
	Jobs() <-chan EndingJob
	Close()
}

// NewMemoryQueue initialises an in-memory queue suitable for tests and
// single-process deployments. Delayed jobs are held on timers.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 128
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Enqueue(ctx context.Context, job EndingJob, delay time.Duration) error {
	if job.VideoID == "" {
		return errors.New("job video id is required")
	}
	if delay <= 0 {
		q.deliver(job)
		return nil
	}
	time.AfterFunc(delay, func() { q.deliver(job) })
	return nil
}

func (q *memoryQueue) deliver(job EndingJob) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- job:
		default:
			// Drop instead of blocking. Consumers are expected to
			// drain promptly and buffers are generous.
		}
	}
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan EndingJob, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan EndingJob
}

func (s *memorySubscription) Jobs() <-chan EndingJob {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
