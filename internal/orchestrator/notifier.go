package orchestrator

import (
	"sync"

	"spoken-eval-platform/internal/datastore"
)

// Event is one job state-change notification pushed to subscribers.
type Event struct {
	JobID    string              `json:"job_id"`
	Status   datastore.JobStatus `json:"status"`
	Stage    datastore.JobStage  `json:"stage"`
	Progress float64             `json:"progress"` // 0..1
	Message  string              `json:"message,omitempty"`
}

// Notifier fans job events out to subscribers. Sends never block: a slow
// consumer loses intermediate events, not the stream.
type Notifier struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan Event // job id ("" = all jobs) -> subscriber id -> channel
}

// NewNotifier returns an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: map[string]map[int]chan Event{}}
}

// Subscribe registers for events of one job, or every job when jobID is
// empty. The returned cancel function must be called to release the
// subscription.
func (n *Notifier) Subscribe(jobID string) (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan Event, 16)
	if n.subs[jobID] == nil {
		n.subs[jobID] = map[int]chan Event{}
	}
	n.subs[jobID][id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if m, ok := n.subs[jobID]; ok {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
			if len(m) == 0 {
				delete(n.subs, jobID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers the event to the job's subscribers and the wildcard
// subscribers.
func (n *Notifier) Publish(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, key := range []string{e.JobID, ""} {
		for _, ch := range n.subs[key] {
			select {
			case ch <- e:
			default:
			}
		}
	}
}
