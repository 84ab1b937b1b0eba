package pipe

// Executor serializes closures onto one goroutine.
type Executor struct {
	p *Pipe[func()]
}

func NewExecutor(name string, opts ...Option) *Executor {
	opts = append([]Option{WithName(name)}, opts...)
	return &Executor{p: New(func(fn func()) { fn() }, opts...)}
}

// Submit enqueues fn and returns without waiting for it.
func (e *Executor) Submit(fn func()) error {
	return e.p.Write(fn)
}

// Sync runs fn on the executor and waits for it to return. Calling Sync from
// a closure already running on e deadlocks.
func (e *Executor) Sync(fn func()) error {
	done := make(chan struct{})
	err := e.p.Write(func() {
		defer close(done)
		fn()
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// WaitForDrain blocks until every submitted closure has run.
func (e *Executor) WaitForDrain() uint64 {
	return e.p.WaitForDrain()
}

func (e *Executor) Pending() int {
	return e.p.Len()
}

// Close runs what is already queued and stops the goroutine.
func (e *Executor) Close() {
	e.p.Close()
}
