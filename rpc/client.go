package rpc

import (
	"context"
	"fmt"
)

// RemoteError is an error that has been returned from
// the remote side of the connection. Only the description
// survives the trip.
type RemoteError string

func (e RemoteError) Error() string {
	return fmt.Sprintf("remote: %s", string(e))
}

// Description returns the error text as sent by the remote handler.
func (e RemoteError) Description() string {
	return string(e)
}

// Caller makes requests to the other end of a connection.
type Caller interface {
	// Call sends a request of type typ carrying data and waits for the matching
	// response, decoding its data into reply. Reply can be nil. If the remote
	// handler failed a RemoteError is returned.
	Call(ctx context.Context, typ string, data, reply interface{}) error
}
