// Package interop is a small service for exercising a peer: the CLI serves
// it and cross-implementation checks call it.
package interop

import (
	"context"
	"errors"

	"github.com/progrium/dtalk-go/rpc"
)

// Counter is the data of increment requests and responses.
type Counter struct {
	Number float64 `json:"number" mapstructure:"number"`
}

// Callback names a request to make back to the caller.
type Callback struct {
	Type string      `json:"type" mapstructure:"type"`
	Data interface{} `json:"data" mapstructure:"data"`
}

// Service is served with fn.HandlerFrom, answering the request types
// "echo", "increment", "error", "info" and "callback".
type Service struct{}

// Echo returns the request data unchanged.
func (s Service) Echo(v interface{}) interface{} {
	return v
}

// Increment returns the counter plus one.
func (s Service) Increment(c Counter) Counter {
	return Counter{Number: c.Number + 1}
}

// Error fails with the given text.
func (s Service) Error(text string) error {
	return errors.New(text)
}

// Info describes the request as it was received.
func (s Service) Info(call *rpc.Call) map[string]interface{} {
	return map[string]interface{}{
		"type": call.Type,
		"tag":  call.Tag,
		"data": call.Data,
	}
}

// Callback makes a request back to the caller and returns its answer.
func (s Service) Callback(ctx context.Context, cb Callback, call *rpc.Call) (interface{}, error) {
	var ret interface{}
	if err := call.Caller.Call(ctx, cb.Type, cb.Data, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}
