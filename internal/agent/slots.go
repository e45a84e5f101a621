package agent

// SlotPool is the agent-wide executor slot budget. Every task manager on
// the agent draws task slots from the same pool, so total task parallelism
// never exceeds the agent's configured concurrency. Receiving from C()
// acquires a slot, which lets callers race an acquisition against other
// channel events in one select.
type SlotPool struct {
	slots chan struct{}
}

// NewSlotPool creates a pool with n slots.
func NewSlotPool(n int) *SlotPool {
	if n < 1 {
		n = 1
	}
	p := &SlotPool{slots: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// C is the acquisition channel: one receive is one slot.
func (p *SlotPool) C() <-chan struct{} {
	return p.slots
}

// TryAcquire takes a slot without blocking.
func (p *SlotPool) TryAcquire() bool {
	select {
	case <-p.slots:
		return true
	default:
		return false
	}
}

// Release returns a slot to the pool.
func (p *SlotPool) Release() {
	select {
	case p.slots <- struct{}{}:
	default:
		// Releasing more than was acquired is a programming error; keep the
		// pool bounded rather than deadlock.
	}
}

// Free returns the currently available slot count.
func (p *SlotPool) Free() int {
	return len(p.slots)
}
