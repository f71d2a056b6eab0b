package orchestrator

import "sync"

// running tracks the drivers active in this process so a task never has two
// local drivers and callers can wait for one to exit.
type running struct {
	mu      sync.Mutex
	entries map[string]chan struct{}
}

func newRunning() *running {
	return &running{entries: map[string]chan struct{}{}}
}

// register claims taskID. It returns false if a driver already holds it.
func (r *running) register(taskID string) (chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[taskID]; ok {
		return nil, false
	}
	done := make(chan struct{})
	r.entries[taskID] = done
	return done, true
}

func (r *running) unregister(taskID string, done chan struct{}) {
	r.mu.Lock()
	if r.entries[taskID] == done {
		delete(r.entries, taskID)
	}
	r.mu.Unlock()
	close(done)
}

// done returns a channel closed when taskID's driver exits, or nil if no
// driver holds it.
func (r *running) done(taskID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[taskID]
}

func (r *running) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
