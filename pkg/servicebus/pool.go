package servicebus

import (
	"context"
	"sync"

	"go-servicebus/pkg/transport"

	"github.com/sirupsen/logrus"
)

// connPool shares one connection per endpoint between the workers of a
// publisher, engine or reader.
type connPool struct {
	dialer transport.Dialer
	logger logrus.FieldLogger

	mu     sync.Mutex
	conns  map[string]transport.Conn
	closed bool
}

func newConnPool(dialer transport.Dialer, logger logrus.FieldLogger) *connPool {
	return &connPool{
		dialer: dialer,
		logger: logger,
		conns:  make(map[string]transport.Conn),
	}
}

func (p *connPool) get(ctx context.Context, ep Endpoint) (transport.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, transport.ErrClosed
	}
	if conn, ok := p.conns[ep.Name]; ok {
		return conn, nil
	}

	conn, err := p.dialer.Dial(ctx, ep.ConnectionString)
	if err != nil {
		return nil, err
	}
	p.conns[ep.Name] = conn
	p.logger.WithField("endpoint", ep.Name).Info("Connection opened")
	return conn, nil
}

// invalidate drops conn so the next get redials.
func (p *connPool) invalidate(ctx context.Context, ep Endpoint, conn transport.Conn) {
	p.mu.Lock()
	current, ok := p.conns[ep.Name]
	if ok && current == conn {
		delete(p.conns, ep.Name)
	}
	p.mu.Unlock()

	if ok && current == conn {
		if err := conn.Close(ctx); err != nil {
			p.logger.WithError(err).WithField("endpoint", ep.Name).Debug("Failed to close broken connection")
		}
	}
}

func (p *connPool) close(ctx context.Context) error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]transport.Conn)
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for name, conn := range conns {
		if err := conn.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		p.logger.WithField("endpoint", name).Info("Connection closed")
	}
	return firstErr
}
