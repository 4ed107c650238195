package actions

import "sync"

// Guard is the agent's stand-in for an OS wake lock: every action body
// acquires it before doing work and releases it on all exit paths, and
// shutdown waits for the count to drain before tearing state down.
type Guard struct {
	wg sync.WaitGroup
}

// Acquire registers an in-flight action and returns its release function.
// Release is safe to call more than once.
func (g *Guard) Acquire() func() {
	g.wg.Add(1)
	var once sync.Once
	return func() {
		once.Do(g.wg.Done)
	}
}

// Wait blocks until every acquired action has released.
func (g *Guard) Wait() {
	g.wg.Wait()
}
