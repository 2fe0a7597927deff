package indexer

import (
	"sync"

	"github.com/dshills/folderindex/internal/cancel"
)

// registry tracks the folders with an indexing run in flight. At most one
// run per folder holds a slot. Change batches are counted separately since
// they may overlap a run.
type registry struct {
	mu       sync.Mutex
	idle     *sync.Cond
	running  map[string]*cancel.Token
	applying map[string]int
	retired  map[string]bool
}

func newRegistry() *registry {
	r := &registry{
		running:  make(map[string]*cancel.Token),
		applying: make(map[string]int),
		retired:  make(map[string]bool),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// beginApply counts a change batch in; false for a retired folder
func (r *registry) beginApply(folderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired[folderID] {
		return false
	}
	r.applying[folderID]++
	return true
}

func (r *registry) endApply(folderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applying[folderID]--
	if r.applying[folderID] <= 0 {
		delete(r.applying, folderID)
		r.idle.Broadcast()
	}
}

func (r *registry) applyCount(folderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applying[folderID]
}

// retire refuses new change batches for folderID and waits out the rest
func (r *registry) retire(folderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired[folderID] = true
	for r.applying[folderID] > 0 {
		r.idle.Wait()
	}
}

// tryAcquire claims the slot for folderID without blocking
func (r *registry) tryAcquire(folderID string, token *cancel.Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[folderID]; busy {
		return false
	}
	r.running[folderID] = token
	return true
}

// release must only be called by the run that acquired the slot
func (r *registry) release(folderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, folderID)
}

func (r *registry) cancel(folderID string) bool {
	r.mu.Lock()
	token, ok := r.running[folderID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	token.Cancel()
	return true
}

func (r *registry) active(folderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[folderID]
	return ok
}

func (r *registry) cancelAll() int {
	r.mu.Lock()
	tokens := make([]*cancel.Token, 0, len(r.running))
	for _, t := range r.running {
		tokens = append(tokens, t)
	}
	r.mu.Unlock()
	for _, t := range tokens {
		t.Cancel()
	}
	return len(tokens)
}
