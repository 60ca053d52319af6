package talk_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/progrium/dtalk-go/codec"
	"github.com/progrium/dtalk-go/rpc"
	"github.com/progrium/dtalk-go/rpc/rpctest"
	"github.com/progrium/dtalk-go/talk"
)

func fatal(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func newPair(t *testing.T, h rpc.Handler) (*talk.Conn, *talk.Conn) {
	t.Helper()
	client, server, err := rpctest.NewPair(h)
	fatal(err, t)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func echo(r rpc.Responder, c *rpc.Call) {
	var v interface{}
	if err := c.Receive(&v); err != nil {
		r.Return(err)
		return
	}
	r.Return(v)
}

// rawPeer speaks the wire format by hand against a Conn.
type rawPeer struct {
	net.Conn
	t      *testing.T
	delim  codec.Delimiter
	framer *codec.Framer
	buf    []byte
}

func newRawPeer(t *testing.T, opts ...talk.Option) (*rawPeer, *talk.Conn) {
	t.Helper()
	a, b := net.Pipe()
	conn := talk.New(a, opts...)
	t.Cleanup(func() {
		conn.Close()
		b.Close()
	})
	d, err := codec.NewDelimiter()
	fatal(err, t)
	return &rawPeer{
		Conn:   b,
		t:      t,
		delim:  d,
		framer: codec.NewFramer(&d),
		buf:    make([]byte, 1024),
	}, conn
}

func (p *rawPeer) handshake() {
	p.t.Helper()
	_, err := p.Write(p.delim[:])
	fatal(err, p.t)
}

func (p *rawPeer) send(payload string) {
	p.t.Helper()
	_, err := p.Write(codec.AppendFrame(nil, []byte(payload), p.delim))
	fatal(err, p.t)
}

// next reads the next envelope, or nil once the pipe is closed.
func (p *rawPeer) next() *rpc.Envelope {
	for {
		if frame, ok := p.framer.Next(); ok {
			env, err := rpc.ParseEnvelope(frame)
			if err != nil {
				return nil
			}
			return env
		}
		n, err := p.Read(p.buf)
		if err != nil {
			return nil
		}
		p.framer.Write(p.buf[:n])
	}
}

func serve(conn *talk.Conn) <-chan error {
	errs := make(chan error, 1)
	go func() {
		errs <- conn.Serve()
	}()
	return errs
}

func TestRoundTrip(t *testing.T) {
	client, _ := newPair(t, rpc.HandlerFunc(echo))

	var out string
	fatal(client.Call(context.Background(), "echo", "Hello world", &out), t)
	if out != "Hello world" {
		t.Fatalf("unexpected return: %#v", out)
	}
	if client.Pending() != 0 {
		t.Fatal("pending entry left behind")
	}
}

func TestDelimiterAgreement(t *testing.T) {
	client, server := newPair(t, nil)

	cd, ok := client.Delimiter()
	if !ok {
		t.Fatal("client delimiter not established")
	}
	sd, ok := server.Delimiter()
	if !ok {
		t.Fatal("server delimiter not established")
	}
	if cd != sd {
		t.Fatalf("delimiters differ: %s != %s", cd, sd)
	}

	var got codec.Delimiter
	client.OnDelimiter(func(d codec.Delimiter) {
		got = d
	})
	if got != cd {
		t.Fatal("late OnDelimiter subscriber not called")
	}
}

func TestFragmentedHandshake(t *testing.T) {
	peer, conn := newRawPeer(t)

	var delims []codec.Delimiter
	values := make(chan interface{}, 1)
	conn.OnDelimiter(func(d codec.Delimiter) {
		delims = append(delims, d)
	})
	conn.OnValue(func(v interface{}) {
		values <- v
	})
	serve(conn)

	_, err := peer.Write(peer.delim[:3])
	fatal(err, t)
	_, err = peer.Write(peer.delim[3:])
	fatal(err, t)
	<-conn.Ready()
	peer.send(`"hi"`)

	if v := <-values; v != "hi" {
		t.Fatalf("unexpected value: %#v", v)
	}
	if len(delims) != 1 || delims[0] != peer.delim {
		t.Fatalf("unexpected delimiter notifications: %v", delims)
	}
}

func TestBidirectional(t *testing.T) {
	client, server := newPair(t, rpc.HandlerFunc(func(r rpc.Responder, c *rpc.Call) {
		r.Return("A")
	}))
	client.HandleRequest(rpc.HandlerFunc(func(r rpc.Responder, c *rpc.Call) {
		r.Return("B")
	}))

	var retB string
	fatal(server.Call(context.Background(), "hello", nil, &retB), t)
	if retB != "B" {
		t.Fatal("unexpected return:", retB)
	}

	var retA string
	fatal(client.Call(context.Background(), "hello", nil, &retA), t)
	if retA != "A" {
		t.Fatal("unexpected return:", retA)
	}
}

func TestConcurrentCorrelation(t *testing.T) {
	peer, conn := newRawPeer(t)
	serve(conn)
	peer.handshake()
	<-conn.Ready()

	requests := make(chan *rpc.Envelope, 3)
	go func() {
		for i := 0; i < 3; i++ {
			requests <- peer.next()
		}
	}()

	types := []string{"first", "second", "third"}
	pending := make([]*talk.Pending, len(types))
	for i, typ := range types {
		p, err := conn.Go(typ, i)
		fatal(err, t)
		pending[i] = p
	}

	var envs []*rpc.Envelope
	for range types {
		envs = append(envs, <-requests)
	}
	// answer in reverse so correlation cannot rely on order
	for i := len(envs) - 1; i >= 0; i-- {
		b, err := rpc.ResponseEnvelope(envs[i].RawTag, []byte(fmt.Sprintf("%q", envs[i].Request.Type)))
		fatal(err, t)
		peer.send(string(b))
	}

	for i, p := range pending {
		v, err := p.Result()
		fatal(err, t)
		if v != types[i] {
			t.Fatalf("request %q got response %#v", types[i], v)
		}
	}
}

func TestTagsAreUnique(t *testing.T) {
	peer, conn := newRawPeer(t)
	serve(conn)
	peer.handshake()
	<-conn.Ready()

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			conn.Go("ping", nil)
		}
	}()
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		env := peer.next()
		if len(env.Tag) != 8 {
			t.Fatalf("unexpected tag: %q", env.Tag)
		}
		if seen[env.Tag] {
			t.Fatalf("duplicate tag: %q", env.Tag)
		}
		seen[env.Tag] = true
	}
}

func TestMalformedFrame(t *testing.T) {
	peer, conn := newRawPeer(t)

	var mu sync.Mutex
	var perrs []*talk.ParseError
	values := make(chan interface{}, 1)
	conn.OnParseError(func(err *talk.ParseError) {
		mu.Lock()
		defer mu.Unlock()
		perrs = append(perrs, err)
	})
	conn.OnValue(func(v interface{}) {
		values <- v
	})
	serve(conn)
	peer.handshake()

	peer.send(`{bad`)
	peer.send(`{"a":1}`)

	v := <-values
	if !reflect.DeepEqual(v, map[string]interface{}{"a": float64(1)}) {
		t.Fatalf("unexpected value: %#v", v)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(perrs) != 1 {
		t.Fatalf("expected one parse error, got %d", len(perrs))
	}
	if string(perrs[0].Frame) != "{bad" {
		t.Fatalf("unexpected frame: %q", perrs[0].Frame)
	}
	if !errors.Is(perrs[0], rpc.ErrMalformed) {
		t.Fatalf("unexpected error: %v", perrs[0])
	}
}

func TestFalsyValuesDelivered(t *testing.T) {
	peer, conn := newRawPeer(t)
	values := make(chan interface{}, 4)
	conn.OnValue(func(v interface{}) {
		values <- v
	})
	serve(conn)
	peer.handshake()

	peer.send(`null`)
	peer.send(`false`)
	peer.send(`0`)
	peer.send(`""`)

	for _, want := range []interface{}{nil, false, float64(0), ""} {
		if got := <-values; got != want {
			t.Fatalf("expected %#v, got %#v", want, got)
		}
	}
}

func TestRemoteFailure(t *testing.T) {
	client, _ := newPair(t, rpc.HandlerFunc(func(r rpc.Responder, c *rpc.Call) {
		r.Return(errors.New("boom"))
	}))

	err := client.Call(context.Background(), "fail", nil, nil)
	var remote rpc.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if remote.Description() != "boom" {
		t.Fatalf("unexpected description: %q", remote.Description())
	}
}

func TestHandlerPanic(t *testing.T) {
	client, _ := newPair(t, rpc.HandlerFunc(func(r rpc.Responder, c *rpc.Call) {
		panic("oops")
	}))

	err := client.Call(context.Background(), "explode", nil, nil)
	if err == nil || err.Error() != "remote: panic: oops" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandlerWithoutReturn(t *testing.T) {
	client, _ := newPair(t, rpc.HandlerFunc(func(r rpc.Responder, c *rpc.Call) {}))

	v, err := client.Request(context.Background(), "noop", nil)
	fatal(err, t)
	if v != nil {
		t.Fatalf("expected null, got %#v", v)
	}
}

type badMarshal struct{}

func (badMarshal) MarshalJSON() ([]byte, error) {
	panic("bad marshal")
}

func TestHandlerEncodePanic(t *testing.T) {
	client, _ := newPair(t, rpc.HandlerFunc(func(r rpc.Responder, c *rpc.Call) {
		r.Return(badMarshal{})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := client.Call(ctx, "encode", nil, nil)
	var remote rpc.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if !strings.HasPrefix(remote.Description(), "panic: ") {
		t.Fatalf("unexpected description: %q", remote.Description())
	}
}

func TestUnhandledRequestIsValue(t *testing.T) {
	client, server := newPair(t, nil)
	values := make(chan interface{}, 1)
	server.OnValue(func(v interface{}) {
		values <- v
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Request(ctx, "nobody", 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if client.Pending() != 0 {
		t.Fatal("abandoned request still pending")
	}

	v, ok := (<-values).(map[string]interface{})
	if !ok {
		t.Fatal("request not delivered as a value")
	}
	req, ok := v["request"].(map[string]interface{})
	if !ok || req["type"] != "nobody" || req["data"] != float64(1) {
		t.Fatalf("unexpected value: %#v", v)
	}
}

func TestLateResponseIgnored(t *testing.T) {
	peer, conn := newRawPeer(t)
	values := make(chan interface{}, 2)
	conn.OnValue(func(v interface{}) {
		values <- v
	})
	serve(conn)
	peer.handshake()
	<-conn.Ready()

	requests := make(chan *rpc.Envelope, 1)
	go func() {
		requests <- peer.next()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := conn.Call(ctx, "slow", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	env := <-requests
	b, err := rpc.ResponseEnvelope(env.RawTag, []byte(`"late"`))
	fatal(err, t)
	peer.send(string(b))
	peer.send(`"after"`)

	if v := <-values; v != "after" {
		t.Fatalf("late response leaked as value: %#v", v)
	}
}

func TestCloseFailsPending(t *testing.T) {
	peer, conn := newRawPeer(t)
	serve(conn)
	peer.handshake()
	<-conn.Ready()

	go peer.next()
	p, err := conn.Go("never", nil)
	fatal(err, t)

	fatal(conn.Close(), t)
	if err := p.Err(); !errors.Is(err, talk.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := conn.Go("again", nil); !errors.Is(err, talk.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	<-conn.Done()
}

func TestSendBeforeDelimiter(t *testing.T) {
	_, conn := newRawPeer(t)
	if err := conn.Send("early"); !errors.Is(err, talk.ErrNoDelimiter) {
		t.Fatalf("expected ErrNoDelimiter, got %v", err)
	}
	if _, err := conn.Go("early", nil); !errors.Is(err, talk.ErrNoDelimiter) {
		t.Fatalf("expected ErrNoDelimiter, got %v", err)
	}
}

func TestCallWaitsForDelimiter(t *testing.T) {
	peer, conn := newRawPeer(t)
	serve(conn)

	called := make(chan error, 1)
	var out string
	go func() {
		called <- conn.Call(context.Background(), "echo", "early", &out)
	}()

	peer.handshake()
	env := peer.next()
	if env == nil || env.Request.Type != "echo" {
		t.Fatalf("unexpected request: %#v", env)
	}
	b, err := rpc.ResponseEnvelope(env.RawTag, env.Request.Data)
	fatal(err, t)
	peer.send(string(b))

	fatal(<-called, t)
	if out != "early" {
		t.Fatalf("unexpected return: %#v", out)
	}
}

func TestCallBeforeDelimiterCanceled(t *testing.T) {
	_, conn := newRawPeer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := conn.Call(ctx, "echo", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	fatal(conn.Close(), t)
	if err := conn.Call(context.Background(), "echo", nil, nil); !errors.Is(err, talk.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPresharedDelimiter(t *testing.T) {
	d, err := codec.NewDelimiter()
	fatal(err, t)
	a, b := net.Pipe()
	left := talk.New(a, talk.WithDelimiter(d))
	right := talk.New(b, talk.WithDelimiter(d))
	defer left.Close()
	defer right.Close()

	right.HandleRequest(rpc.HandlerFunc(echo))
	serve(left)
	serve(right)

	var out int
	fatal(left.Call(context.Background(), "echo", 42, &out), t)
	if out != 42 {
		t.Fatalf("unexpected return: %d", out)
	}
}

func TestAcceptPresharedDelimiter(t *testing.T) {
	d, err := codec.NewDelimiter()
	fatal(err, t)
	a, b := net.Pipe()
	accepted, err := talk.Accept(a, talk.WithDelimiter(d))
	fatal(err, t)
	dialed := talk.New(b, talk.WithDelimiter(d))
	defer accepted.Close()
	defer dialed.Close()

	var mu sync.Mutex
	var perrs int
	dialed.OnParseError(func(*talk.ParseError) {
		mu.Lock()
		defer mu.Unlock()
		perrs++
	})
	dialed.HandleRequest(rpc.HandlerFunc(echo))
	serve(accepted)
	serve(dialed)

	var out string
	fatal(accepted.Call(context.Background(), "echo", "agreed", &out), t)
	if out != "agreed" {
		t.Fatalf("unexpected return: %#v", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if perrs != 0 {
		t.Fatal("delimiter was written on a preset connection")
	}
}

func TestServeTwice(t *testing.T) {
	client, _ := newPair(t, nil)
	if err := client.Serve(); err == nil {
		t.Fatal("expected error serving twice")
	}
}

func TestOnClose(t *testing.T) {
	client, server := newPair(t, nil)
	closed := make(chan error, 1)
	client.OnClose(func(err error) {
		closed <- err
	})
	fatal(server.Close(), t)

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("expected clean close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close not observed")
	}
}
