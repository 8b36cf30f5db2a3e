package trust

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// limitDialer caps the number of open connections across all hosts.
// MaxConnsPerHost on the transport only bounds a single host.
func limitDialer(dial dialFunc, maxConns int) dialFunc {
	sem := semaphore.NewWeighted(int64(maxConns))
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		conn, err := dial(ctx, network, addr)
		if err != nil {
			sem.Release(1)
			return nil, err
		}
		return &limitedConn{Conn: conn, release: func() { sem.Release(1) }}, nil
	}
}

type limitedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
