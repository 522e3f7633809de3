// Package pub fans committed events out to live subscribers.
//
// Delivery is strictly asynchronous from the commit path: publishing enqueues
// into the publisher's own dispatch queue and returns, so a slow or stalled
// subscriber can never slow an append. Per-subscriber queues are bounded and
// overflow is handled per the subscriber's backpressure policy.
package pub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/strom-io/strom/internal/config"
	"github.com/strom-io/strom/internal/event"
	logpkg "github.com/strom-io/strom/pkg/log"
)

// ErrSlowConsumer reports a subscription closed by the disconnect policy.
var ErrSlowConsumer = errors.New("pub: subscriber too slow, disconnected")

// Policy selects what happens when a subscriber's queue is full.
type Policy int

const (
	// DropOldest evicts the oldest queued event to make room.
	DropOldest Policy = iota
	// Block stalls this subscriber's delivery until the queue drains. Other
	// subscribers and the commit path keep going.
	Block
	// Disconnect closes the subscription.
	Disconnect
)

// ParsePolicy maps a config policy name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case config.BackpressureDropOldest, "":
		return DropOldest, nil
	case config.BackpressureBlock:
		return Block, nil
	case config.BackpressureDisconnect:
		return Disconnect, nil
	default:
		return DropOldest, fmt.Errorf("pub: unknown backpressure policy %q", name)
	}
}

// SubscribeOptions scopes and tunes one subscription.
type SubscribeOptions struct {
	// Tenant is required; a subscription never crosses tenants.
	Tenant string
	// Entity, when set, restricts delivery to one entity stream.
	Entity string
	// Types, when non-empty, restricts delivery to the listed event types.
	Types []string
	// Filter is an optional CEL expression over
	// tenant/entity/type/version/partition/ts_ms/size/text/json.
	Filter string
	// Buffer overrides the queue length; 0 uses the publisher default.
	Buffer int
	// Policy is applied when the queue is full.
	Policy Policy
}

// Subscription is one subscriber's bounded delivery queue.
type Subscription struct {
	id    uint64
	opts  SubscribeOptions
	fl    filter
	types map[string]bool
	ch    chan event.Event

	mu     sync.Mutex
	closed bool
	err    error

	done chan struct{}
	p    *Publisher
}

// C returns the delivery channel. It is never closed; select on Done to
// observe termination. Buffered events remain readable after Done fires.
func (s *Subscription) C() <-chan event.Event { return s.ch }

// Done is closed when the subscription ends, whether by Close, a disconnect,
// or publisher shutdown. Err reports the reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended, nil for a caller-initiated Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.p.remove(s, nil) }

func (s *Subscription) matches(ev event.Event) bool {
	if ev.TenantID != s.opts.Tenant {
		return false
	}
	if s.opts.Entity != "" && ev.EntityID != s.opts.Entity {
		return false
	}
	if s.types != nil && !s.types[ev.Type] {
		return false
	}
	return s.fl.Eval(ev)
}

// Options tunes the publisher.
type Options struct {
	// DefaultBuffer is the per-subscriber queue length when the subscription
	// doesn't override it.
	DefaultBuffer int
	// DefaultPolicy applies to subscriptions that don't set one explicitly.
	// Zero value is DropOldest.
	DefaultPolicy Policy
}

// Publisher fans committed events out to subscribers.
type Publisher struct {
	opts   Options
	logger logpkg.Logger

	subMu sync.RWMutex
	subs  map[uint64]*Subscription
	nexts uint64

	// dispatch queue; same never-block shape as the compactor's intake.
	qMu   sync.Mutex
	queue []event.Event
	wake  chan struct{}

	dropped uint64 // drop-oldest evictions, for logs
}

// New creates a publisher. Call Run to start delivery.
func New(opts Options, logger logpkg.Logger) *Publisher {
	if opts.DefaultBuffer <= 0 {
		opts.DefaultBuffer = 1024
	}
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &Publisher{
		opts:   opts,
		logger: logger.With(logpkg.Component("pub")),
		subs:   map[uint64]*Subscription{},
		wake:   make(chan struct{}, 1),
	}
}

// Subscribe registers a subscriber. The filter expression is compiled here so
// a bad expression fails fast instead of silently matching nothing.
func (p *Publisher) Subscribe(opts SubscribeOptions) (*Subscription, error) {
	if opts.Tenant == "" {
		return nil, errors.New("pub: subscription requires a tenant")
	}
	fl, err := newFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("pub: compile filter: %w", err)
	}
	buf := opts.Buffer
	if buf <= 0 {
		buf = p.opts.DefaultBuffer
	}
	var types map[string]bool
	if len(opts.Types) > 0 {
		types = make(map[string]bool, len(opts.Types))
		for _, t := range opts.Types {
			types[t] = true
		}
	}
	s := &Subscription{
		opts:  opts,
		fl:    fl,
		types: types,
		ch:    make(chan event.Event, buf),
		done:  make(chan struct{}),
		p:     p,
	}
	p.subMu.Lock()
	p.nexts++
	s.id = p.nexts
	p.subs[s.id] = s
	p.subMu.Unlock()
	return s, nil
}

func (p *Publisher) remove(s *Subscription, reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = reason
	s.mu.Unlock()

	p.subMu.Lock()
	delete(p.subs, s.id)
	p.subMu.Unlock()
	close(s.done)
}

// Publish enqueues a committed event for fan-out and returns immediately.
func (p *Publisher) Publish(ev event.Event) {
	p.qMu.Lock()
	p.queue = append(p.queue, ev)
	p.qMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run delivers queued events until ctx is cancelled, then closes every
// remaining subscription.
func (p *Publisher) Run(ctx context.Context) {
	defer p.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		for {
			batch := p.take()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				p.deliver(ctx, ev)
			}
		}
	}
}

func (p *Publisher) take() []event.Event {
	p.qMu.Lock()
	defer p.qMu.Unlock()
	out := p.queue
	p.queue = nil
	return out
}

func (p *Publisher) deliver(ctx context.Context, ev event.Event) {
	p.subMu.RLock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.subMu.RUnlock()

	for _, s := range subs {
		select {
		case <-s.done:
			continue
		default:
		}
		if !s.matches(ev) {
			continue
		}
		switch s.opts.Policy {
		case Block:
			select {
			case s.ch <- ev:
			case <-s.done:
			case <-ctx.Done():
				return
			}
		case Disconnect:
			select {
			case s.ch <- ev:
			default:
				p.logger.Warn("disconnecting slow subscriber",
					logpkg.Uint64("subscription", s.id), logpkg.Str("tenant", s.opts.Tenant))
				p.remove(s, ErrSlowConsumer)
			}
		default: // DropOldest
			for {
				select {
				case s.ch <- ev:
				default:
					select {
					case <-s.ch:
						p.dropped++
					default:
					}
					continue
				}
				break
			}
		}
	}
}

func (p *Publisher) closeAll() {
	p.subMu.Lock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.subMu.Unlock()
	for _, s := range subs {
		p.remove(s, nil)
	}
}
