package talk

import (
	"encoding/json"

	"github.com/progrium/dtalk-go/codec"
)

// Pending is an outstanding request. It completes exactly once, when the
// matching response arrives or the connection closes.
type Pending struct {
	Tag  string
	Type string

	done chan struct{}
	data json.RawMessage
	err  error
}

func newPending(tag, typ string) *Pending {
	return &Pending{
		Tag:  tag,
		Type: typ,
		done: make(chan struct{}),
	}
}

// Done is closed when the request completes.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err blocks until completion and returns the failure, if any.
func (p *Pending) Err() error {
	<-p.done
	return p.err
}

// Decode blocks until completion and decodes the response data into v.
func (p *Pending) Decode(v interface{}) error {
	if err := p.Err(); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return codec.Unmarshal(codec.JSONCodec{}, p.data, v)
}

// Result blocks until completion and returns the response data as a generic
// JSON value.
func (p *Pending) Result() (interface{}, error) {
	var v interface{}
	err := p.Decode(&v)
	return v, err
}

func (p *Pending) complete(data json.RawMessage, err error) {
	p.data = data
	p.err = err
	close(p.done)
}
