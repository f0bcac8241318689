package coord

import "runtime"

// Env is the execution context of a run.
type Env struct {
	Locks  *Locks
	Claims *Claims
	// Workers is the requested pool size: -1 for one worker per CPU, 0 to run
	// jobs sequentially on the calling goroutine.
	Workers int
}

// NewEnv returns an Env with fresh locks and claims.
func NewEnv(workers int, opts ...LocksOption) *Env {
	return &Env{Locks: NewLocks(opts...), Claims: NewClaims(), Workers: workers}
}

// Local returns a sequential Env.
func Local() *Env { return NewEnv(0) }

// PoolSize resolves Workers to the number of goroutines to start; 0 means
// no pool.
func (e *Env) PoolSize() int {
	if e == nil {
		return 0
	}
	if e.Workers < 0 {
		return runtime.NumCPU()
	}
	return e.Workers
}
