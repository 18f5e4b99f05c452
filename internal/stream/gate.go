package stream

import "sync"

// gate is a tiny 1-token semaphore.
type gate struct{ ch chan struct{} }

func newGate() *gate {
	g := &gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{} // token present => unlocked
	return g
}

func (g *gate) Lock() { <-g.ch }
func (g *gate) Unlock() {
	select {
	case g.ch <- struct{}{}:
	default:
		panic("unlock of unlocked gate")
	}
}

// gates hands out one gate per camera id.
type gates struct{ m sync.Map } // map[int64]*gate

// lock acquires the gate for id. Always returns a valid unlock func.
func (gs *gates) lock(id int64) func() {
	v, _ := gs.m.LoadOrStore(id, newGate())
	g := v.(*gate)
	g.Lock()
	return g.Unlock
}
