package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Publisher is what the lifecycle sees of the notification path
type Publisher interface {
	Publish(e Event)
}

// Sink delivers events to one destination
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Bus is a bounded in-process queue between committed transitions and the
// dispatcher. Publish never blocks; a full queue drops the event.
type Bus struct {
	ch     chan Event
	log    zerolog.Logger
	onDrop func()
}

func NewBus(size int, log zerolog.Logger, onDrop func()) *Bus {
	if onDrop == nil {
		onDrop = func() {}
	}
	return &Bus{
		ch:     make(chan Event, size),
		log:    log.With().Str("component", "event_bus").Logger(),
		onDrop: onDrop,
	}
}

func (b *Bus) Publish(e Event) {
	select {
	case b.ch <- e:
	default:
		b.onDrop()
		b.log.Warn().Str("type", string(e.Type)).Str("key", e.Key()).Msg("event queue full, dropping event")
	}
}

// Events exposes the queue to the dispatcher
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Dispatcher fans every event out to its sinks. Each sink has its own queue
// and worker, so a slow sink never holds up the others. A failing sink is
// logged and never affects the others.
type Dispatcher struct {
	bus   *Bus
	lanes []*lane
	log   zerolog.Logger
}

type lane struct {
	sink Sink
	ch   chan Event
}

func NewDispatcher(bus *Bus, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	size := cap(bus.ch)
	if size < 1 {
		size = 1
	}
	lanes := make([]*lane, 0, len(sinks))
	for _, sink := range sinks {
		lanes = append(lanes, &lane{sink: sink, ch: make(chan Event, size)})
	}
	return &Dispatcher{
		bus:   bus,
		lanes: lanes,
		log:   log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run consumes until ctx is done, then drains what is already queued and
// waits for every sink to finish its backlog
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Int("sinks", len(d.lanes)).Msg("event dispatcher started")

	deliverCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, l := range d.lanes {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			d.work(deliverCtx, l)
		}(l)
	}

	for {
		select {
		case <-ctx.Done():
			d.drain()
			for _, l := range d.lanes {
				close(l.ch)
			}
			wg.Wait()
			d.log.Info().Msg("event dispatcher stopped")
			return
		case e := <-d.bus.Events():
			d.dispatch(e)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case e := <-d.bus.Events():
			d.dispatch(e)
		default:
			return
		}
	}
}

// dispatch hands e to every sink queue; a full queue drops it for that sink only
func (d *Dispatcher) dispatch(e Event) {
	for _, l := range d.lanes {
		select {
		case l.ch <- e:
		default:
			d.bus.onDrop()
			d.log.Warn().Str("sink", l.sink.Name()).Str("type", string(e.Type)).Str("key", e.Key()).Msg("sink queue full, dropping event")
		}
	}
}

func (d *Dispatcher) work(ctx context.Context, l *lane) {
	for e := range l.ch {
		if err := l.sink.Deliver(ctx, e); err != nil {
			d.log.Error().Err(err).Str("sink", l.sink.Name()).Str("type", string(e.Type)).Str("key", e.Key()).Msg("event delivery failed")
		}
	}
}
