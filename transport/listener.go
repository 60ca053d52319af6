// Package transport provides the byte streams a talk connection runs over.
// Every listener yields plain io.ReadWriteClosers; framing happens above.
package transport

import (
	"errors"
	"io"
	"net"
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("transport: listener closed")

// A Listener is similar to a net.Listener but returns byte streams that may
// not be net.Conns.
type Listener interface {
	// Close closes the listener.
	// Any blocked Accept operations will be unblocked and return errors.
	Close() error

	// Accept waits for and returns the next incoming stream.
	Accept() (io.ReadWriteCloser, error)

	// Addr returns the listener's network address if available.
	Addr() net.Addr
}
