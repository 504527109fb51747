package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/nicktill/grapher/pkg/wire"
)

// pollInterval bounds how long a blocked read ignores cancellation.
const pollInterval = 100 * time.Millisecond

// Listener receives snapshots on the client side of a stream. Datagrams
// older than the newest one seen are dropped, since UDP may reorder them.
type Listener struct {
	conn  *net.UDPConn
	codec wire.Codec
	buf   []byte

	newest  int64
	dropped atomic.Uint64
}

// Listen binds a UDP socket on addr, e.g. ":5801".
func Listen(addr string, codec wire.Codec) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if codec == nil {
		codec = wire.JSON
	}
	return &Listener{
		conn:   conn,
		codec:  codec,
		buf:    make([]byte, 64<<10),
		newest: -1,
	}, nil
}

// Next blocks until a fresh snapshot arrives or ctx is done. Next must not
// be called concurrently.
func (l *Listener) Next(ctx context.Context) (wire.Snapshot, error) {
	for {
		if err := ctx.Err(); err != nil {
			return wire.Snapshot{}, err
		}

		deadline := time.Now().Add(pollInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := l.conn.SetReadDeadline(deadline); err != nil {
			return wire.Snapshot{}, err
		}

		n, _, err := l.conn.ReadFromUDP(l.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return wire.Snapshot{}, err
		}

		snap, err := l.codec.DecodeSnapshot(l.buf[:n])
		if err != nil {
			l.dropped.Add(1)
			continue
		}
		if snap.Timestamp < l.newest {
			l.dropped.Add(1)
			continue
		}
		l.newest = snap.Timestamp
		return snap, nil
	}
}

// Reset forgets the newest timestamp, e.g. after the server restarted
// with a clock that went backwards.
func (l *Listener) Reset() {
	l.newest = -1
}

// Dropped returns the number of stale or undecodable datagrams discarded.
func (l *Listener) Dropped() uint64 {
	return l.dropped.Load()
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close releases the socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}
