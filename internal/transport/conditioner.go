package transport

import (
	"math/rand"
	"time"
)

// Conditioner simulates an imperfect link by delaying and dropping incoming
// messages. It exists for testing gameplay under realistic network conditions
// and is only ever applied when explicitly configured.
type Conditioner struct {
	// Latency is added to every received message.
	Latency time.Duration
	// Jitter is the maximum random delay added on top of Latency.
	Jitter time.Duration
	// Loss is the probability in [0, 1) that a received message is dropped.
	// Only meaningful for Datagram transports, which already promise nothing.
	Loss float64
}

// Enabled reports whether the conditioner would alter traffic at all.
func (c Conditioner) Enabled() bool {
	return c.Latency > 0 || c.Jitter > 0 || c.Loss > 0
}

// Wrap returns a Conn whose Recv applies the configured conditions. Applying
// conditions on the receive side keeps a single reader, so FramedStream
// ordering is preserved.
func (c Conditioner) Wrap(conn Conn) Conn {
	if !c.Enabled() {
		return conn
	}
	return &conditionedConn{Conn: conn, cond: c}
}

type conditionedConn struct {
	Conn
	cond Conditioner
}

func (c *conditionedConn) Recv() ([]byte, error) {
	for {
		data, err := c.Conn.Recv()
		if err != nil {
			return nil, err
		}

		if c.cond.Loss > 0 && rand.Float64() < c.cond.Loss {
			continue
		}

		delay := c.cond.Latency
		if c.cond.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(c.cond.Jitter)))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		return data, nil
	}
}
