package scheduler

// Wake asks a running Scheduler to start its next cycle early. Signals sent
// while one is already pending collapse into it.
type Wake struct {
	ch chan struct{}
}

// NewWake returns a Wake with room for one pending signal.
func NewWake() *Wake {
	return &Wake{ch: make(chan struct{}, 1)}
}

// Signal requests a cycle. It never blocks.
func (w *Wake) Signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C is received from by the scheduler.
func (w *Wake) C() <-chan struct{} {
	return w.ch
}
