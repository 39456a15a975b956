// Package jobs tracks chapter preprocessing jobs that are currently in
// flight. The registry is in-memory only: absence of an entry means "no
// job running for this chapter", not "chapter unprocessed". It is an
// owned service object injected where needed so tests can construct
// isolated instances.
package jobs

import "sync"

// Progress is a running job's live position. Total is the page count
// the job was started with; Current counts attempted pages.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Registry maps chapter keys to the progress of their running job.
// Status polls read concurrently; registration and removal are rare,
// short writes.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Progress
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Progress)}
}

// Begin registers a job for chapterKey with the given page total. It
// returns false without side effects when a job is already registered,
// guaranteeing at most one in-flight job per chapter key.
func (r *Registry) Begin(chapterKey string, total int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[chapterKey]; exists {
		return false
	}
	r.jobs[chapterKey] = Progress{Current: 0, Total: total}
	return true
}

// Advance records that the job has attempted current pages so far. A
// job whose entry was forgotten mid-run stays forgotten.
func (r *Registry) Advance(chapterKey string, current int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, exists := r.jobs[chapterKey]
	if !exists {
		return
	}
	p.Current = current
	r.jobs[chapterKey] = p
}

// Finish removes the job's entry, returning the tracker to the "no job
// running" state regardless of how many pages succeeded.
func (r *Registry) Finish(chapterKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, chapterKey)
}

// Forget drops the visible progress for a chapter, if any. It does not
// stop the underlying task.
func (r *Registry) Forget(chapterKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.jobs[chapterKey]
	delete(r.jobs, chapterKey)
	return exists
}

// Get returns a snapshot of the live progress for chapterKey.
func (r *Registry) Get(chapterKey string) (Progress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, exists := r.jobs[chapterKey]
	return p, exists
}

// Len reports the number of jobs currently in flight.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
