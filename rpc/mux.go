package rpc

import (
	"fmt"
	"sync"
)

// RespondMux routes requests to handlers by request type. A handler
// registered under the empty type catches requests no other handler matches.
type RespondMux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRespondMux returns an empty RespondMux.
func NewRespondMux() *RespondMux {
	return &RespondMux{
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for requests of type typ, replacing any previous handler.
func (m *RespondMux) Handle(typ string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typ] = h
}

// HandleFunc registers f for requests of type typ.
func (m *RespondMux) HandleFunc(typ string, f func(Responder, *Call)) {
	m.Handle(typ, HandlerFunc(f))
}

// Remove unregisters and returns the handler for typ.
func (m *RespondMux) Remove(typ string) Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handlers[typ]
	delete(m.handlers, typ)
	return h
}

// Match returns the handler for typ and the type it was registered under.
func (m *RespondMux) Match(typ string) (Handler, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.handlers[typ]; ok {
		return h, typ
	}
	if h, ok := m.handlers[""]; ok {
		return h, ""
	}
	return nil, ""
}

func (m *RespondMux) RespondRPC(r Responder, c *Call) {
	h, _ := m.Match(c.Type)
	if h == nil {
		r.Return(fmt.Errorf("rpc: no handler for request type %q", c.Type))
		return
	}
	h.RespondRPC(r, c)
}
