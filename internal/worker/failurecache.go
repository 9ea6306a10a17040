package worker

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

const (
	// failureCachePostingCap bounds how many postings a worker remembers
	// failures for; the least recently failed posting bucket is evicted
	// beyond this.
	failureCachePostingCap = 1024

	// failureCacheJobCap bounds the job ids remembered per posting. Beyond
	// it, further failures in the same posting are not excluded from claims;
	// the retry accounting in the DB still applies.
	failureCacheJobCap = 128
)

// failureCache is a worker's private memory of units that failed in this
// worker's lifetime, keyed posting -> set of job ids. Claims exclude the
// remembered ids so the worker does not pull the same doomed unit in a
// tight loop within its own process; other workers still attempt it.
// Buckets are purged when the worker observes the posting reach a terminal
// status, or evicted least-recently-failed first past the posting cap.
type failureCache struct {
	mu      sync.Mutex
	buckets map[uuid.UUID]*failureBucket
	order   *list.List // least recently failed posting at front; values are uuid.UUID
}

type failureBucket struct {
	jobs map[uuid.UUID]struct{}
	elem *list.Element
}

func newFailureCache() *failureCache {
	return &failureCache{
		buckets: make(map[uuid.UUID]*failureBucket),
		order:   list.New(),
	}
}

// Add records that jobID of postingID failed in this worker.
func (c *failureCache) Add(postingID, jobID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[postingID]
	if !ok {
		if len(c.buckets) >= failureCachePostingCap {
			oldest := c.order.Remove(c.order.Front()).(uuid.UUID)
			delete(c.buckets, oldest)
		}
		b = &failureBucket{jobs: make(map[uuid.UUID]struct{})}
		b.elem = c.order.PushBack(postingID)
		c.buckets[postingID] = b
	} else {
		c.order.MoveToBack(b.elem)
	}
	if len(b.jobs) < failureCacheJobCap {
		b.jobs[jobID] = struct{}{}
	}
}

// ExcludedJobs returns every remembered job id, for the claim query's
// exclusion list.
func (c *failureCache) ExcludedJobs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []uuid.UUID
	for _, b := range c.buckets {
		for id := range b.jobs {
			out = append(out, id)
		}
	}
	return out
}

// Postings returns the posting ids currently tracked.
func (c *failureCache) Postings() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]uuid.UUID, 0, len(c.buckets))
	for id := range c.buckets {
		out = append(out, id)
	}
	return out
}

// Purge drops the buckets for the given postings.
func (c *failureCache) Purge(postingIDs []uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range postingIDs {
		if b, ok := c.buckets[id]; ok {
			c.order.Remove(b.elem)
			delete(c.buckets, id)
		}
	}
}

// Len reports how many postings are tracked.
func (c *failureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
