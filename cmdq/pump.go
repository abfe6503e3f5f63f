package cmdq

import "sync"

// ChanPump is an EventPump over plain channels. Other goroutines Post
// functions; the goroutine popping the queue runs them.
type ChanPump struct {
	events chan struct{}

	mu      sync.Mutex
	pending []func()
}

func NewChanPump() *ChanPump {
	return &ChanPump{events: make(chan struct{}, 1)}
}

// Post schedules f to run on the next DispatchPending.
func (p *ChanPump) Post(f func()) {
	p.mu.Lock()
	p.pending = append(p.pending, f)
	p.mu.Unlock()
	p.Wakeup()
}

func (p *ChanPump) Wakeup() {
	select {
	case p.events <- struct{}{}:
	default:
	}
}

func (p *ChanPump) Events() <-chan struct{} {
	return p.events
}

func (p *ChanPump) DispatchPending() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, f := range pending {
		f()
	}
}
