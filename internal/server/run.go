package server

import (
	"sync"
	"time"

	"github.com/mathopoulos/hkextract"
)

// Run states reported by the API.
const (
	RunQueued  = "queued"
	RunRunning = "running"
	RunDone    = "done"
	RunErrored = "errored"
)

// Status is the externally visible state of an extraction request.
type Status struct {
	ID         string              `json:"id"`
	Source     string              `json:"source"`
	Metrics    []string            `json:"metrics"`
	State      string              `json:"state"`
	Current    string              `json:"current,omitempty"`
	Progress   *hkextract.Progress `json:"progress,omitempty"`
	Results    []hkextract.Result  `json:"results"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	FinishedAt *time.Time          `json:"finishedAt,omitempty"`
}

// Event is a message of the progress stream.
type Event struct {
	Type     string              `json:"type"`
	Metric   string              `json:"metric,omitempty"`
	Progress *hkextract.Progress `json:"progress,omitempty"`
	Status   *Status             `json:"status,omitempty"`
}

const eventBuffer = 16

// run tracks one extraction request and fans its progress out to
// subscribers.
type run struct {
	user string

	mu     sync.Mutex
	status Status
	subs   map[chan Event]struct{}
	done   chan struct{}
}

func newRun(id, user, source string, metrics []string, now time.Time) *run {
	return &run{
		user: user,
		status: Status{
			ID:        id,
			Source:    source,
			Metrics:   metrics,
			State:     RunQueued,
			Results:   []hkextract.Result{},
			CreatedAt: now,
		},
		subs: make(map[chan Event]struct{}),
		done: make(chan struct{}),
	}
}

func (r *run) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	s.Results = append([]hkextract.Result(nil), r.status.Results...)
	if r.status.Progress != nil {
		p := *r.status.Progress
		s.Progress = &p
	}
	return s
}

func (r *run) finishedBefore(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.FinishedAt != nil && r.status.FinishedAt.Before(t)
}

func (r *run) start(metric string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.State = RunRunning
	r.status.Current = metric
	r.status.Progress = nil
}

// observe records p and forwards it to subscribers. Slow subscribers miss
// updates rather than stall the run.
func (r *run) observe(metric string, p hkextract.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Progress = &p
	ev := Event{Type: "progress", Metric: metric, Progress: &p}
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (r *run) finish(results []hkextract.Result, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Results = results
	r.status.Current = ""
	r.status.FinishedAt = &now
	r.status.State = RunDone
	if err != nil {
		r.status.State = RunErrored
		r.status.Error = err.Error()
	}
	for ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	close(r.done)
}

// subscribe returns a channel of progress events that is closed when the run
// finishes.
func (r *run) subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, eventBuffer)
	if r.subs == nil {
		close(ch)
		return ch, func() {}
	}
	r.subs[ch] = struct{}{}
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, ch)
	}
}
