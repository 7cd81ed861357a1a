package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/comigor/convo-go/internal/logger"
)

// Pool owns the process-wide connection. Every user holds a Lease; the
// connection is dialed on the first Acquire and closed when the last lease
// is released, so independent sessions never disconnect each other.
type Pool struct {
	dial Dialer

	mu   sync.Mutex
	conn Conn
	refs int
}

// NewPool creates a new Pool
func NewPool(dial Dialer) *Pool {
	return &Pool{dial: dial}
}

// Acquire returns a lease on the shared connection, dialing it if needed.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := p.dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("pubsub dial: %w", err)
		}
		logger.L.Debug("pubsub connection opened")
		p.conn = conn
	}
	p.refs++
	return &Lease{pool: p, conn: p.conn}, nil
}

// Refs reports the number of outstanding leases.
func (p *Pool) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

func (p *Pool) release(conn Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != conn || p.refs == 0 {
		return nil
	}
	p.refs--
	if p.refs > 0 {
		return nil
	}
	p.conn = nil
	logger.L.Debug("pubsub connection closed, no leases left")
	if err := conn.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("pubsub close: %w", err)
	}
	return nil
}

// Lease is one reference on the pool's connection.
type Lease struct {
	pool *Pool
	conn Conn
	once sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() Conn {
	return l.conn
}

// Release drops the reference. It is safe to call more than once.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		err = l.pool.release(l.conn)
	})
	return err
}
