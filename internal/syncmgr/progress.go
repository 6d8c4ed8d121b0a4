package syncmgr

import (
	"sync"
	"time"
)

// Progress describes the drain cycle that is running or last ran.
type Progress struct {
	Running    bool       `json:"running"`
	Current    string     `json:"current"`
	Completed  int        `json:"completed"`
	Total      int        `json:"total"`
	Percentage int        `json:"percentage"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// DrainResult counts the outcomes of one drain cycle.
type DrainResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	// Skipped is what was eligible at the start but left undispatched (connectivity lost, cancelled).
	Skipped     int           `json:"skipped"`
	Interrupted bool          `json:"interrupted"`
	Duration    time.Duration `json:"duration"`
}

func (r *DrainResult) Processed() int {
	return r.Completed + r.Failed + r.Retrying
}

// cycle is the bookkeeping of one drain, shared by its lanes.
type cycle struct {
	mu        sync.Mutex
	startedAt time.Time
	total     int
	current   string
	result    DrainResult
}

func newCycle(total int, startedAt time.Time) *cycle {
	return &cycle{total: total, startedAt: startedAt}
}

func (c *cycle) begin(desc string) Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = desc
	return c.progressLocked()
}

func (c *cycle) record(outcome string) Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch outcome {
	case outcomeDone:
		c.result.Completed++
	case outcomeRetry:
		c.result.Retrying++
	case outcomeFailed:
		c.result.Failed++
	}
	// items written during the cycle can be drained by it too
	if n := c.result.Processed(); n > c.total {
		c.total = n
	}
	return c.progressLocked()
}

func (c *cycle) interrupt() {
	c.mu.Lock()
	c.result.Interrupted = true
	c.mu.Unlock()
}

func (c *cycle) finish(at time.Time) (Progress, DrainResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = ""
	res := c.result
	res.Duration = at.Sub(c.startedAt)
	res.Skipped = max(c.total-res.Processed(), 0)

	p := c.progressLocked()
	p.Running = false
	p.Percentage = 100
	p.FinishedAt = &at
	return p, res
}

func (c *cycle) progressLocked() Progress {
	done := c.result.Processed()
	pct := 0
	if c.total > 0 {
		pct = done * 100 / c.total
	}
	return Progress{
		Running:    true,
		Current:    c.current,
		Completed:  done,
		Total:      c.total,
		Percentage: min(pct, 100),
		StartedAt:  c.startedAt,
	}
}
