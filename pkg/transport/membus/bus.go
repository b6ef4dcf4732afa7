package membus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"
)

// ReasonMaxDeliveryCountExceeded is the reason the bus itself uses when it
// dead-letters a message whose lock was released too many times.
const ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"

// Options configures bus-side entity behaviour
type Options struct {
	// LockDuration is how long a received message stays locked before it is
	// made available again. Defaults to 30s.
	LockDuration time.Duration
	// MaxDeliveryCount dead-letters a released message once it has been
	// delivered this many times. Zero disables the limit.
	MaxDeliveryCount int
	// SendHook is called before every batch is stored. A non-nil error
	// fails the whole batch.
	SendHook func(entity string, msgs []*models.Message) error
}

// Bus is an in-process message bus with queues, topics, subscriptions and
// dead-letter sub-queues.
type Bus struct {
	mu       sync.Mutex
	opts     Options
	entities map[string]*entity
	topics   map[string][]*entity
	seq      uint64
	lockSeq  uint64
}

type entity struct {
	path   string
	active *store
	dead   *store
}

type store struct {
	ready  []*item
	locked map[uint64]*item
	wake   chan struct{}
}

type item struct {
	seq         uint64
	msg         *models.Message
	dl          *models.DeadLetterInfo
	lockID      uint64
	lockedUntil time.Time
}

type lockToken struct {
	entity *entity
	store  *store
	lockID uint64
}

func New(opts Options) *Bus {
	if opts.LockDuration == 0 {
		opts.LockDuration = 30 * time.Second
	}
	return &Bus{
		opts:     opts,
		entities: make(map[string]*entity),
		topics:   make(map[string][]*entity),
	}
}

func newStore() *store {
	return &store{
		locked: make(map[uint64]*item),
		wake:   make(chan struct{}),
	}
}

// CreateQueue registers a queue. Creating an existing queue is a no-op.
func (b *Bus) CreateQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entities[name]; ok {
		return
	}
	b.entities[name] = &entity{path: name, active: newStore(), dead: newStore()}
}

// CreateTopic registers a topic and its subscriptions.
func (b *Bus) CreateTopic(name string, subscriptions ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		b.topics[name] = nil
	}
	for _, sub := range subscriptions {
		path := transport.SubscriptionDestination(name, sub).String()
		if _, ok := b.entities[path]; ok {
			continue
		}
		e := &entity{path: path, active: newStore(), dead: newStore()}
		b.entities[path] = e
		b.topics[name] = append(b.topics[name], e)
	}
}

// ActiveCount returns the number of messages, locked or not, in the active entity.
func (b *Bus) ActiveCount(dest transport.Destination) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[dest.String()]
	if !ok {
		return 0
	}
	return len(e.active.ready) + len(e.active.locked)
}

// DeadLetterCount returns the number of messages in the dead-letter sub-queue.
func (b *Bus) DeadLetterCount(dest transport.Destination) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[dest.String()]
	if !ok {
		return 0
	}
	return len(e.dead.ready) + len(e.dead.locked)
}

// DeadLetters returns a snapshot of the dead-letter sub-queue in arrival order.
func (b *Bus) DeadLetters(dest transport.Destination) []models.DeadLetterMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[dest.String()]
	if !ok {
		return nil
	}
	items := e.dead.snapshot()
	out := make([]models.DeadLetterMessage, 0, len(items))
	for _, it := range items {
		out = append(out, models.DeadLetterMessage{Message: *it.msg.Clone(), DeadLetterInfo: *it.dl})
	}
	return out
}

// Messages returns a snapshot of the active entity in arrival order.
func (b *Bus) Messages(dest transport.Destination) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[dest.String()]
	if !ok {
		return nil
	}
	items := e.active.snapshot()
	out := make([]models.Message, 0, len(items))
	for _, it := range items {
		out = append(out, *it.msg.Clone())
	}
	return out
}

func (s *store) snapshot() []*item {
	items := make([]*item, 0, len(s.ready)+len(s.locked))
	items = append(items, s.ready...)
	for _, it := range s.locked {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	return items
}

func (s *store) notify() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *store) push(it *item) {
	s.ready = append(s.ready, it)
	if n := len(s.ready); n > 1 && s.ready[n-2].seq > it.seq {
		sort.Slice(s.ready, func(i, j int) bool { return s.ready[i].seq < s.ready[j].seq })
	}
	s.notify()
}

func (b *Bus) wakeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entities {
		e.active.notify()
		e.dead.notify()
	}
}

func (b *Bus) send(entityName string, msgs []*models.Message) error {
	if b.opts.SendHook != nil {
		if err := b.opts.SendHook(entityName, msgs); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var targets []*entity
	if subs, ok := b.topics[entityName]; ok {
		targets = subs
	} else if e, ok := b.entities[entityName]; ok && e.path == entityName {
		targets = []*entity{e}
	} else {
		return fmt.Errorf("%w: %s", transport.ErrEntityNotFound, entityName)
	}

	now := time.Now()
	for _, e := range targets {
		for _, m := range msgs {
			b.seq++
			c := m.Clone()
			c.DeliveryCount = 0
			c.EnqueuedAt = now
			e.active.push(&item{seq: b.seq, msg: c})
		}
	}
	return nil
}

func (b *Bus) lookup(dest transport.Destination, sub transport.SubQueue) (*entity, *store, error) {
	e, ok := b.entities[dest.String()]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", transport.ErrEntityNotFound, dest)
	}
	if sub == transport.SubQueueDeadLetter {
		return e, e.dead, nil
	}
	return e, e.active, nil
}

// receive locks up to max messages, blocking until one is available, ctx
// ends or check fails.
func (b *Bus) receive(ctx context.Context, dest transport.Destination, sub transport.SubQueue, max int, check func() error) ([]*transport.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	for {
		if err := check(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		e, s, err := b.lookup(dest, sub)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}

		now := time.Now()
		b.reclaim(e, s, now)

		if len(s.ready) > 0 {
			n := max
			if n > len(s.ready) {
				n = len(s.ready)
			}
			out := make([]*transport.Delivery, 0, n)
			for _, it := range s.ready[:n] {
				b.lockSeq++
				it.lockID = b.lockSeq
				it.lockedUntil = now.Add(b.opts.LockDuration)
				it.msg.DeliveryCount++
				s.locked[it.lockID] = it

				d := &transport.Delivery{
					Message: it.msg.Clone(),
					Token:   &lockToken{entity: e, store: s, lockID: it.lockID},
				}
				if it.dl != nil {
					info := *it.dl
					d.DeadLetter = &info
				}
				out = append(out, d)
			}
			s.ready = append([]*item(nil), s.ready[n:]...)
			b.mu.Unlock()
			return out, nil
		}

		wake := s.wake
		var timer *time.Timer
		var expiry <-chan time.Time
		if next, ok := s.nextExpiry(); ok {
			timer = time.NewTimer(time.Until(next))
			expiry = timer.C
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-expiry:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *store) nextExpiry() (time.Time, bool) {
	var next time.Time
	for _, it := range s.locked {
		if next.IsZero() || it.lockedUntil.Before(next) {
			next = it.lockedUntil
		}
	}
	return next, !next.IsZero()
}

// reclaim releases expired locks. Caller holds b.mu.
func (b *Bus) reclaim(e *entity, s *store, now time.Time) {
	for id, it := range s.locked {
		if now.Before(it.lockedUntil) {
			continue
		}
		delete(s.locked, id)
		b.release(e, s, it)
	}
}

// release makes a locked item available again, or dead-letters it when the
// delivery limit is reached. Caller holds b.mu.
func (b *Bus) release(e *entity, s *store, it *item) {
	it.lockID = 0
	if s == e.active && b.opts.MaxDeliveryCount > 0 && it.msg.DeliveryCount >= b.opts.MaxDeliveryCount {
		it.dl = &models.DeadLetterInfo{
			Reason:      ReasonMaxDeliveryCountExceeded,
			Description: fmt.Sprintf("message delivered %d times", it.msg.DeliveryCount),
			Source:      e.path,
		}
		e.dead.push(it)
		return
	}
	s.push(it)
}

func (b *Bus) settle(d *transport.Delivery) (*lockToken, *item, error) {
	tok, ok := d.Token.(*lockToken)
	if !ok || tok == nil {
		return nil, nil, fmt.Errorf("membus: foreign delivery token %T", d.Token)
	}
	it, ok := tok.store.locked[tok.lockID]
	if !ok {
		return nil, nil, transport.ErrLockLost
	}
	delete(tok.store.locked, tok.lockID)
	return tok, it, nil
}

func (b *Bus) complete(d *transport.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, err := b.settle(d)
	return err
}

func (b *Bus) abandon(d *transport.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tok, it, err := b.settle(d)
	if err != nil {
		return err
	}
	b.release(tok.entity, tok.store, it)
	return nil
}

func (b *Bus) deadLetter(d *transport.Delivery, reason, description string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tok, ok := d.Token.(*lockToken); ok && tok != nil && tok.store == tok.entity.dead {
		return transport.ErrUnsupported
	}
	tok, it, err := b.settle(d)
	if err != nil {
		return err
	}
	it.lockID = 0
	it.dl = &models.DeadLetterInfo{Reason: reason, Description: description, Source: tok.entity.path}
	tok.entity.dead.push(it)
	return nil
}
