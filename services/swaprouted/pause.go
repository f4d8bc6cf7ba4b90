package swaprouted

import "sync"

// pauseState is the operator-controlled pause switch handed to the engine.
type pauseState struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func newPauseState(initial bool) *pauseState {
	p := &pauseState{paused: make(map[string]bool)}
	if initial {
		p.Pause("router")
	}
	return p
}

func (p *pauseState) IsPaused(module string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

func (p *pauseState) Pause(module string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[module] = true
}

func (p *pauseState) Resume(module string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paused, module)
}
