package gpio

import (
	"github.com/frostbyte73/core"

	"github.com/sweeney/dialtone/internal/metrics"
)

// queueDepth bounds the per-pin event queue. A producer facing a full queue
// waits for the handler to catch up, so no edge is lost.
const queueDepth = 64

type envelope struct {
	ev  Event
	ack chan struct{} // closed after the handler returns, may be nil
}

// dispatcher owns the goroutine that runs a pin's handler. Producers
// (the kernel line watcher or the fake) post typed events onto its queue.
type dispatcher struct {
	pin     int
	handler Handler
	queue   chan envelope
	quit    core.Fuse
	done    chan struct{}
}

func newDispatcher(pin int, handler Handler) *dispatcher {
	d := &dispatcher{
		pin:     pin,
		handler: handler,
		queue:   make(chan envelope, queueDepth),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit.Watch():
			return
		case env := <-d.queue:
			metrics.GPIOEdges.WithLabelValues(metrics.PinLabel(d.pin)).Inc()
			d.handler(env.ev)
			if env.ack != nil {
				close(env.ack)
			}
		}
	}
}

// post enqueues ev, blocking while the queue is full. It returns false
// only once the dispatcher is stopped.
func (d *dispatcher) post(env envelope) bool {
	if d.quit.IsBroken() {
		return false
	}
	select {
	case d.queue <- env:
		return true
	case <-d.quit.Watch():
		return false
	default:
	}

	metrics.GPIOQueueFull.WithLabelValues(metrics.PinLabel(d.pin)).Inc()
	select {
	case d.queue <- env:
		return true
	case <-d.quit.Watch():
		return false
	}
}

// stop signals the goroutine to exit and waits for it.
func (d *dispatcher) stop() {
	d.quit.Break()
	<-d.done
}
