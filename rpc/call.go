package rpc

import (
	"context"
	"encoding/json"

	"github.com/progrium/dtalk-go/codec"
)

// Call is an incoming request being handled.
type Call struct {
	Type string
	Data json.RawMessage

	// Tag is the correlation tag of the request, empty if the peer sent none.
	Tag string

	Caller  Caller
	Context context.Context
}

// Receive decodes the request data into v.
func (c *Call) Receive(v interface{}) error {
	return codec.Unmarshal(codec.JSONCodec{}, c.dataOrNull(), v)
}

// Value returns the request data as a generic JSON value.
func (c *Call) Value() (interface{}, error) {
	var v interface{}
	err := c.Receive(&v)
	return v, err
}

func (c *Call) dataOrNull() []byte {
	if len(c.Data) == 0 {
		return []byte("null")
	}
	return c.Data
}
