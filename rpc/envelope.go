package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrMalformed is returned when a frame is not a single valid JSON value.
	ErrMalformed = errors.New("rpc: malformed envelope")
)

var null = json.RawMessage("null")

// Envelope is the parsed form of one frame. Frames that are not tagged
// requests or responses have neither Request nor Response set.
type Envelope struct {
	// Tag is the tag when it is a JSON string.
	Tag string
	// RawTag is the tag exactly as received, empty if absent.
	RawTag json.RawMessage

	Request  *Request
	Response *Response

	Raw []byte
}

// Request is the request part of an envelope.
type Request struct {
	Type string
	Data json.RawMessage
}

// Response is the response part of an envelope. Failed is set when the
// response carries a truthy error field.
type Response struct {
	Data   json.RawMessage
	Error  string
	Failed bool
}

// IsRequest reports whether the envelope carries a request.
func (e *Envelope) IsRequest() bool {
	return e.Request != nil
}

// IsResponse reports whether the envelope is a tagged response.
func (e *Envelope) IsResponse() bool {
	return e.Response != nil && e.Tag != ""
}

// ParseEnvelope classifies a frame. Any valid JSON value is accepted.
func ParseEnvelope(b []byte) (*Envelope, error) {
	if !gjson.ValidBytes(b) {
		return nil, ErrMalformed
	}
	env := &Envelope{Raw: b}
	res := gjson.ParseBytes(b)
	if !res.IsObject() {
		return env, nil
	}

	if tag := res.Get("tag"); tag.Exists() {
		env.RawTag = json.RawMessage(tag.Raw)
		if tag.Type == gjson.String {
			env.Tag = tag.Str
		}
	}
	if req := res.Get("request"); req.IsObject() {
		env.Request = &Request{
			Type: req.Get("type").String(),
			Data: rawOrNull(req.Get("data")),
		}
	}
	if resp := res.Get("response"); resp.IsObject() {
		r := &Response{Data: rawOrNull(resp.Get("data"))}
		if e := resp.Get("error"); truthy(e) {
			r.Failed = true
			r.Error = e.String()
			if e.Type != gjson.String {
				r.Error = e.Raw
			}
		}
		env.Response = r
	}
	return env, nil
}

// RequestEnvelope encodes {"tag":tag,"request":{"type":typ,"data":data}}.
func RequestEnvelope(tag, typ string, data json.RawMessage) ([]byte, error) {
	b, err := sjson.SetBytes([]byte("{}"), "tag", tag)
	if err != nil {
		return nil, fmt.Errorf("rpc: request envelope: %w", err)
	}
	if b, err = sjson.SetBytes(b, "request.type", typ); err != nil {
		return nil, fmt.Errorf("rpc: request envelope: %w", err)
	}
	if b, err = sjson.SetRawBytes(b, "request.data", nullIfEmpty(data)); err != nil {
		return nil, fmt.Errorf("rpc: request envelope: %w", err)
	}
	return b, nil
}

// ResponseEnvelope encodes {"tag":rawTag,"response":{"data":data}}. The tag is
// omitted when rawTag is empty.
func ResponseEnvelope(rawTag, data json.RawMessage) ([]byte, error) {
	b, err := tagged(rawTag)
	if err != nil {
		return nil, err
	}
	if b, err = sjson.SetRawBytes(b, "response.data", nullIfEmpty(data)); err != nil {
		return nil, fmt.Errorf("rpc: response envelope: %w", err)
	}
	return b, nil
}

// ErrorEnvelope encodes {"tag":rawTag,"response":{"error":description}}.
func ErrorEnvelope(rawTag json.RawMessage, description string) ([]byte, error) {
	b, err := tagged(rawTag)
	if err != nil {
		return nil, err
	}
	if b, err = sjson.SetBytes(b, "response.error", description); err != nil {
		return nil, fmt.Errorf("rpc: error envelope: %w", err)
	}
	return b, nil
}

func tagged(rawTag json.RawMessage) ([]byte, error) {
	b := []byte("{}")
	if len(rawTag) == 0 {
		return b, nil
	}
	b, err := sjson.SetRawBytes(b, "tag", rawTag)
	if err != nil {
		return nil, fmt.Errorf("rpc: envelope tag: %w", err)
	}
	return b, nil
}

func rawOrNull(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return null
	}
	return json.RawMessage(r.Raw)
}

func nullIfEmpty(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return null
	}
	return data
}

// truthy follows the peer's notion of a set error field.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return r.Exists()
	}
}
