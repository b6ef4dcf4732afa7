package membus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"
)

var errUnreachable = errors.New("membus: namespace unreachable")

// Network maps connection strings to buses and implements transport.Dialer.
// Several connection strings may point at the same bus.
type Network struct {
	mu    sync.RWMutex
	buses map[string]*Bus
	down  map[string]bool
	dials atomic.Int64
}

var _ transport.Dialer = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{
		buses: make(map[string]*Bus),
		down:  make(map[string]bool),
	}
}

// Attach makes bus reachable through connectionString.
func (n *Network) Attach(connectionString string, bus *Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buses[connectionString] = bus
}

// SetDown simulates an outage of connectionString. Open connections start
// failing with a transport.ConnectionError, blocked receives included.
func (n *Network) SetDown(connectionString string, down bool) {
	n.mu.Lock()
	n.down[connectionString] = down
	bus := n.buses[connectionString]
	n.mu.Unlock()

	if bus != nil {
		bus.wakeAll()
	}
}

// Dials returns how many connections have been opened.
func (n *Network) Dials() int64 {
	return n.dials.Load()
}

func (n *Network) reachable(connectionString string) (*Bus, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	bus, ok := n.buses[connectionString]
	if !ok || n.down[connectionString] {
		return nil, &transport.ConnectionError{Err: errUnreachable}
	}
	return bus, nil
}

func (n *Network) Dial(ctx context.Context, connectionString string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bus, err := n.reachable(connectionString)
	if err != nil {
		return nil, err
	}
	n.dials.Add(1)
	return &conn{network: n, connectionString: connectionString, bus: bus}, nil
}

type conn struct {
	network          *Network
	connectionString string
	bus              *Bus
	closed           atomic.Bool
}

func (c *conn) check() error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	_, err := c.network.reachable(c.connectionString)
	return err
}

func (c *conn) NewSender(entity string) (transport.Sender, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return &sender{conn: c, entity: entity}, nil
}

func (c *conn) NewReceiver(dest transport.Destination, opts transport.ReceiverOptions) (transport.Receiver, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return &receiver{conn: c, dest: dest, subQueue: opts.SubQueue}, nil
}

func (c *conn) Close(ctx context.Context) error {
	c.closed.Store(true)
	return nil
}

type sender struct {
	conn   *conn
	entity string
}

func (s *sender) SendBatch(ctx context.Context, msgs []*models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.conn.check(); err != nil {
		return err
	}
	return s.conn.bus.send(s.entity, msgs)
}

func (s *sender) Close(ctx context.Context) error {
	return nil
}

type receiver struct {
	conn     *conn
	dest     transport.Destination
	subQueue transport.SubQueue
	closed   atomic.Bool
}

func (r *receiver) check() error {
	if r.closed.Load() {
		return transport.ErrClosed
	}
	return r.conn.check()
}

func (r *receiver) Receive(ctx context.Context, max int) ([]*transport.Delivery, error) {
	return r.conn.bus.receive(ctx, r.dest, r.subQueue, max, r.check)
}

func (r *receiver) Complete(ctx context.Context, d *transport.Delivery) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.conn.bus.complete(d)
}

func (r *receiver) Abandon(ctx context.Context, d *transport.Delivery) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.conn.bus.abandon(d)
}

func (r *receiver) DeadLetter(ctx context.Context, d *transport.Delivery, reason, description string) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.conn.bus.deadLetter(d, reason, description)
}

func (r *receiver) Close(ctx context.Context) error {
	r.closed.Store(true)
	return nil
}
