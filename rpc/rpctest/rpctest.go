// Package rpctest provides connected talk.Conn pairs for tests.
package rpctest

import (
	"io"

	"github.com/progrium/dtalk-go/rpc"
	"github.com/progrium/dtalk-go/talk"
	"github.com/progrium/dtalk-go/transport"
)

// NewPair returns two serving connections joined by in-memory pipes, after
// the delimiter handshake. The accepting side responds with handler, which
// may be nil. Close either side to shut both down.
func NewPair(handler rpc.Handler, opts ...talk.Option) (client, server *talk.Conn, err error) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	rwcA, _ := transport.DialIO(aw, ar)
	rwcB, _ := transport.DialIO(bw, br)

	client = talk.New(rwcB, opts...)
	go client.Serve()

	// the pipe blocks the delimiter write until the client reads it
	server, err = talk.Accept(rwcA, opts...)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	if handler != nil {
		server.HandleRequest(handler)
	}
	go server.Serve()

	<-client.Ready()
	return client, server, nil
}
