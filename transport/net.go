package transport

import (
	"errors"
	"io"
	"net"

	reuseport "github.com/kavu/go_reuseport"
)

// NetListener wraps a net.Listener to return its connections as streams.
type NetListener struct {
	net.Listener
}

// Accept waits for and returns the next connection to the listener.
func (l *NetListener) Accept() (io.ReadWriteCloser, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return conn, nil
}

func listenNet(proto, addr string) (*NetListener, error) {
	l, err := net.Listen(proto, addr)
	if err != nil {
		return nil, err
	}
	return &NetListener{Listener: l}, nil
}

// ListenTCP creates a TCP listener at the given address. With reuse set the
// socket is opened with SO_REUSEPORT so several processes can share the port.
func ListenTCP(addr string, reuse bool) (*NetListener, error) {
	if !reuse {
		return listenNet("tcp", addr)
	}
	l, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &NetListener{Listener: l}, nil
}

// ListenUnix creates a Unix domain socket listener at the given path.
func ListenUnix(path string) (*NetListener, error) {
	return listenNet("unix", path)
}

func dialNet(proto, addr string) (io.ReadWriteCloser, error) {
	return net.Dial(proto, addr)
}

func DialTCP(addr string) (io.ReadWriteCloser, error) {
	return dialNet("tcp", addr)
}

func DialUnix(addr string) (io.ReadWriteCloser, error) {
	return dialNet("unix", addr)
}
