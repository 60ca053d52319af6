package talk

import (
	"fmt"
	"io"

	"github.com/progrium/dtalk-go/transport"
)

// A Dialer connects to address and returns the raw stream.
type Dialer func(addr string) (io.ReadWriteCloser, error)

// Dialers is map of transport strings to Dialers
// and includes all builtin transports
var Dialers map[string]Dialer

func init() {
	Dialers = map[string]Dialer{
		"tcp":  transport.DialTCP,
		"unix": transport.DialUnix,
		"ws":   transport.DialWS,
		"quic": transport.DialQUIC,
		"stdio": func(_ string) (io.ReadWriteCloser, error) {
			return transport.DialStdio()
		},
	}
}

// Dial connects to a remote address using a registered transport and returns
// a Conn waiting for the remote delimiter. Register callbacks and a handler,
// then call Serve. Available transports are "tcp", "unix", "ws", "quic" and
// "stdio". In the case of "stdio", the addr can be left an empty string.
func Dial(transport, addr string, opts ...Option) (*Conn, error) {
	d, ok := Dialers[transport]
	if !ok {
		return nil, fmt.Errorf("transport '%s' not in available in Dialers", transport)
	}
	rwc, err := d(addr)
	if err != nil {
		return nil, err
	}
	return New(rwc, opts...), nil
}

// Listen opens a listener for a transport by name. TCP listeners are opened
// without SO_REUSEPORT; use transport.ListenTCP for that.
func Listen(network, addr string) (transport.Listener, error) {
	var (
		l   transport.Listener
		err error
	)
	switch network {
	case "tcp":
		var nl *transport.NetListener
		if nl, err = transport.ListenTCP(addr, false); err == nil {
			l = nl
		}
	case "unix":
		var nl *transport.NetListener
		if nl, err = transport.ListenUnix(addr); err == nil {
			l = nl
		}
	case "ws":
		var wl *transport.WSListener
		if wl, err = transport.ListenWS(addr); err == nil {
			l = wl
		}
	case "quic":
		var ql *transport.QUICListener
		if ql, err = transport.ListenQUIC(addr, nil); err == nil {
			l = ql
		}
	case "stdio":
		l = transport.ListenStdio()
	default:
		err = fmt.Errorf("transport '%s' cannot listen", network)
	}
	return l, err
}
