package talk

import (
	"go.uber.org/zap"

	"github.com/progrium/dtalk-go/codec"
)

const defaultReadBufferSize = 32 * 1024

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used by the connection. The default discards.
func WithLogger(log *zap.Logger) Option {
	return func(c *Conn) {
		if log != nil {
			c.log = log
		}
	}
}

// WithReadBufferSize sets the size of reads from the underlying stream.
func WithReadBufferSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.readBufferSize = n
		}
	}
}

// WithDelimiter starts the connection with an already agreed delimiter,
// skipping the handshake on both sides. Accept writes no delimiter for such
// a connection.
func WithDelimiter(d codec.Delimiter) Option {
	return func(c *Conn) {
		c.framer = codec.NewFramer(&d)
	}
}
