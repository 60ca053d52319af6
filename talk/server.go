package talk

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/progrium/dtalk-go/rpc"
	"github.com/progrium/dtalk-go/transport"
)

// Accept performs the accepting side of the handshake on rwc: a fresh
// random delimiter is written before anything else. The returned Conn is
// ready to send but not yet reading; call Serve. With WithDelimiter the
// delimiter is already agreed and nothing is written.
func Accept(rwc io.ReadWriteCloser, opts ...Option) (*Conn, error) {
	c := New(rwc, opts...)
	if _, ok := c.Delimiter(); ok {
		return c, nil
	}
	if err := c.SendDelimiter(nil); err != nil {
		rwc.Close()
		return nil, err
	}
	return c, nil
}

// Server accepts streams from listeners and serves a Conn on each.
type Server struct {
	// Handler responds to requests on every accepted connection.
	Handler rpc.Handler

	// OnConn is called with each connection after the handshake and before
	// it starts reading, so callbacks can be registered. It must not block.
	OnConn func(*Conn)

	Log         *zap.Logger
	ConnOptions []Option

	mu        sync.Mutex
	listeners map[transport.Listener]struct{}
	conns     map[*Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// Serve accepts streams from l until l is closed. It returns nil when the
// listener was closed by Close.
func (s *Server) Serve(l transport.Listener) error {
	if !s.addListener(l) {
		return transport.ErrListenerClosed
	}
	defer s.removeListener(l)

	log := s.logger()
	if addr := l.Addr(); addr != nil {
		log = log.With(zap.String("addr", addr.String()))
	}
	log.Info("Accepting connections")

	for {
		rwc, err := l.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || s.isClosed() {
				log.Info("Listener stopped")
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(rwc, log.Named("conn"))
		}()
	}
}

func (s *Server) handle(rwc io.ReadWriteCloser, log *zap.Logger) {
	opts := append([]Option{WithLogger(log)}, s.ConnOptions...)
	conn, err := Accept(rwc, opts...)
	if err != nil {
		log.Warn("Handshake failed", zap.Error(err))
		return
	}
	if s.Handler != nil {
		conn.HandleRequest(s.Handler)
	}
	if !s.addConn(conn) {
		conn.Close()
		return
	}
	defer s.removeConn(conn)

	if s.OnConn != nil {
		s.OnConn(conn)
	}

	log.Info("Client connected", zap.String("conn", conn.ID()))
	if err := conn.Serve(); err != nil {
		log.Warn("Connection ended", zap.String("conn", conn.ID()), zap.Error(err))
		return
	}
	log.Info("Client disconnected", zap.String("conn", conn.ID()))
}

// Conns returns the number of connections being served.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops every listener passed to Serve and closes every connection,
// then waits for their goroutines to finish.
func (s *Server) Close() (err error) {
	s.mu.Lock()
	s.closed = true
	listeners := make([]transport.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	s.wg.Wait()
	return err
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) addListener(l transport.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.listeners == nil {
		s.listeners = make(map[transport.Listener]struct{})
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) removeListener(l transport.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

func (s *Server) addConn(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[*Conn]struct{})
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
