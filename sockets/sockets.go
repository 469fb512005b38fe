// Package sockets tracks the two power-input socket states (spec §6, STA
// bits 1/2). Unlike bays there is no invariant to enforce — a plain mutex
// suffices.
package sockets

import "sync"

// State is whether each power socket currently reports power present.
type State struct {
	mu      sync.Mutex
	socket1 bool
	socket2 bool
}

// NewState returns a State with both sockets initially unpowered. Nothing
// seeds it from the startup STA read; it changes only when ApplySTA, Set1
// or Set2 is called.
func NewState() *State {
	return &State{}
}

// Snapshot returns the current reading of both sockets.
func (s *State) Snapshot() (socket1, socket2 bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket1, s.socket2
}

// Set1 updates socket 1's state and reports whether it changed.
func (s *State) Set1(powered bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.socket1 != powered
	s.socket1 = powered
	return changed
}

// Set2 updates socket 2's state and reports whether it changed.
func (s *State) Set2(powered bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.socket2 != powered
	s.socket2 = powered
	return changed
}

// ApplySTA decodes a STA byte (bit 1 = socket 2, bit 2 = socket 1, per spec
// §6, the same bit-to-socket pairing as the ISR follow-up reads in §4.2)
// and applies both bits, returning which of the two changed.
func (s *State) ApplySTA(sta byte) (socket1Changed, socket2Changed bool) {
	socket1Changed = s.Set1(sta&(1<<2) != 0)
	socket2Changed = s.Set2(sta&(1<<1) != 0)
	return
}
