package transport

import (
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/multierr"
)

// ioListener wraps a single ReadWriteCloser to use as a listener. It
// accepts that stream once, then blocks until closed.
type ioListener struct {
	rwc       io.ReadWriteCloser
	once      sync.Once
	closer    chan struct{}
	closeOnce sync.Once
}

func (l *ioListener) Accept() (io.ReadWriteCloser, error) {
	var rwc io.ReadWriteCloser
	l.once.Do(func() {
		rwc = l.rwc
	})
	if rwc != nil {
		return rwc, nil
	}
	<-l.closer
	return nil, ErrListenerClosed
}

func (l *ioListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closer)
	})
	return nil
}

func (l *ioListener) Addr() net.Addr {
	return nil
}

type ioduplex struct {
	io.WriteCloser
	io.ReadCloser
}

func (d *ioduplex) Close() error {
	return multierr.Append(d.WriteCloser.Close(), d.ReadCloser.Close())
}

// ListenIO returns a Listener that accepts a single stream made of
// separate WriteCloser and ReadCloser halves.
func ListenIO(out io.WriteCloser, in io.ReadCloser) Listener {
	return &ioListener{
		rwc:    &ioduplex{out, in},
		closer: make(chan struct{}),
	}
}

// ListenStdio is a convenience for calling ListenIO with Stdout and Stdin.
func ListenStdio() Listener {
	return ListenIO(os.Stdout, os.Stdin)
}

// DialIO joins a WriteCloser and ReadCloser into one stream.
func DialIO(out io.WriteCloser, in io.ReadCloser) (io.ReadWriteCloser, error) {
	return &ioduplex{out, in}, nil
}

// DialStdio is DialIO with Stdout and Stdin.
func DialStdio() (io.ReadWriteCloser, error) {
	return DialIO(os.Stdout, os.Stdin)
}
