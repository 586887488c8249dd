package loader

import "sync"

// State tracks one script descriptor through its load.
type State string

const (
	StatePending State = "pending"
	StateLoading State = "loading"
	StateLoaded  State = "loaded"
	StateFailed  State = "failed"
)

// Script is the descriptor appended to the head for every LoadScript call.
type Script struct {
	Src   string
	State State
	Err   error
}

// Head records every script the loader has been asked to load, in call order.
type Head struct {
	mu      sync.Mutex
	scripts []Script
}

// NewHead returns an empty head.
func NewHead() *Head {
	return &Head{}
}

// Append adds a pending descriptor and returns its position.
func (h *Head) Append(src string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts = append(h.scripts, Script{Src: src, State: StatePending})
	return len(h.scripts) - 1
}

func (h *Head) transition(idx int, state State, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx < 0 || idx >= len(h.scripts) {
		return
	}
	h.scripts[idx].State = state
	h.scripts[idx].Err = err
}

// Scripts returns a copy of every descriptor.
func (h *Head) Scripts() []Script {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Script(nil), h.scripts...)
}

// Len reports how many descriptors were appended.
func (h *Head) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.scripts)
}
