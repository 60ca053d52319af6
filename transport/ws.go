package transport

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"
)

// WSListener accepts WebSocket connections on an HTTP server. Messages are
// sent as binary frames and read as one continuous stream.
type WSListener struct {
	net.Listener

	accepted  chan io.ReadWriteCloser
	errs      chan error
	closer    chan struct{}
	closeOnce sync.Once
	server    *http.Server
}

// ListenWS takes a TCP address and returns a WSListener with an
// HTTP+WebSocket server listening on it.
func ListenWS(addr string) (*WSListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	wl := &WSListener{
		Listener: l,
		accepted: make(chan io.ReadWriteCloser),
		errs:     make(chan error, 1),
		closer:   make(chan struct{}),
	}
	wl.server = &http.Server{
		Handler: websocket.Handler(wl.handle),
	}
	go func() {
		if err := wl.server.Serve(l); err != nil && err != http.ErrServerClosed {
			wl.errs <- err
		}
	}()
	return wl, nil
}

// handle hands ws to Accept and holds the HTTP handler open until the
// stream is closed, since returning would close the connection.
func (l *WSListener) handle(ws *websocket.Conn) {
	ws.PayloadType = websocket.BinaryFrame
	s := &wsStream{Conn: ws, closed: make(chan struct{})}
	select {
	case l.accepted <- s:
	case <-l.closer:
		return
	}
	select {
	case <-s.closed:
	case <-l.closer:
	}
}

// Accept waits for and returns the next WebSocket stream.
func (l *WSListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case <-l.closer:
		return nil, ErrListenerClosed
	case err := <-l.errs:
		return nil, err
	case s := <-l.accepted:
		return s, nil
	}
}

// Close stops the HTTP server. Any blocked Accept operations return
// ErrListenerClosed.
func (l *WSListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closer)
		err = l.server.Close()
	})
	return err
}

type wsStream struct {
	*websocket.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.Conn.Close()
		close(s.closed)
	})
	return err
}

// DialWS establishes a WebSocket stream. The address must be a host and
// port. Opening a WebSocket connection at a particular path is not
// supported.
func DialWS(addr string) (io.ReadWriteCloser, error) {
	ws, err := websocket.Dial(fmt.Sprintf("ws://%s/", addr), "", fmt.Sprintf("http://%s/", addr))
	if err != nil {
		return nil, err
	}
	ws.PayloadType = websocket.BinaryFrame
	return ws, nil
}
