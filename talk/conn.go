package talk

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/progrium/dtalk-go/codec"
	"github.com/progrium/dtalk-go/rpc"
)

// tagLen is the number of random bytes in a request tag.
const tagLen = 4

var (
	// ErrNoDelimiter is returned when sending before the delimiter is known.
	ErrNoDelimiter = errors.New("talk: delimiter not established")

	// ErrClosed is returned for operations on a closed connection, and
	// completes requests still pending when the connection closes.
	ErrClosed = errors.New("talk: connection closed")

	errServing   = errors.New("talk: connection already serving")
	errResponded = errors.New("talk: response already sent")
)

// ParseError reports a frame that could not be decoded. It does not affect
// the frames around it.
type ParseError struct {
	Frame []byte
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("talk: parse frame: %s", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Conn is a message channel over a single byte stream. It frames JSON values
// with the connection's delimiter and correlates tagged requests with their
// responses. Either side may also push untagged values at any time.
//
// Frames are read and dispatched in wire order by Serve. Notification
// callbacks run on the Serve goroutine and should not block; request
// handlers each run in their own goroutine.
type Conn struct {
	id             xid.ID
	rwc            io.ReadWriteCloser
	codec          codec.Codec
	log            *zap.Logger
	readBufferSize int

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes frames onto the stream.
	writeMu sync.Mutex

	mu       sync.Mutex
	framer   *codec.Framer
	delim    codec.Delimiter
	hasDelim bool
	ready    chan struct{}
	pending  map[string]*Pending
	handler  rpc.Handler
	serving  bool
	closing  bool
	closed   bool

	onValue      []func(interface{})
	onDelimiter  []func(codec.Delimiter)
	onParseError []func(*ParseError)
	onClose      []func(error)

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps rwc. Nothing is read until Serve is called, so callbacks and the
// request handler can be registered first.
func New(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:             xid.New(),
		rwc:            rwc,
		codec:          codec.JSONCodec{},
		log:            zap.NewNop(),
		readBufferSize: defaultReadBufferSize,
		ctx:            ctx,
		cancel:         cancel,
		ready:          make(chan struct{}),
		pending:        make(map[string]*Pending),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.framer == nil {
		c.framer = codec.NewFramer(nil)
	}
	c.log = c.log.With(zap.String("conn", c.id.String()))
	if d, ok := c.framer.Delimiter(); ok {
		c.establishLocked(d)
	}
	return c
}

// ID returns a unique identifier for this connection, used in logs.
func (c *Conn) ID() string {
	return c.id.String()
}

// RemoteAddr returns the peer address if the stream has one.
func (c *Conn) RemoteAddr() net.Addr {
	if a, ok := c.rwc.(interface{ RemoteAddr() net.Addr }); ok {
		return a.RemoteAddr()
	}
	return nil
}

// Delimiter returns the connection delimiter once it is established.
func (c *Conn) Delimiter() (codec.Delimiter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delim, c.hasDelim
}

// Ready is closed once the delimiter is established.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Context is canceled when the connection shuts down. Request handlers get
// it through Call.Context.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// OnValue subscribes f to every received value that is not consumed as a
// request or response.
func (c *Conn) OnValue(f func(interface{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onValue = append(c.onValue, f)
}

// OnDelimiter subscribes f to the delimiter being established. If it
// already is, f is called right away.
func (c *Conn) OnDelimiter(f func(codec.Delimiter)) {
	c.mu.Lock()
	if c.hasDelim {
		d := c.delim
		c.mu.Unlock()
		f(d)
		return
	}
	c.onDelimiter = append(c.onDelimiter, f)
	c.mu.Unlock()
}

// OnParseError subscribes f to frames that are not valid JSON.
func (c *Conn) OnParseError(f func(*ParseError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onParseError = append(c.onParseError, f)
}

// OnClose subscribes f to the connection shutting down. The error is nil
// for a clean end of stream or a local Close.
func (c *Conn) OnClose(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, f)
}

// HandleRequest sets the handler invoked for every incoming request,
// replacing any previous one.
func (c *Conn) HandleRequest(h rpc.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// SendDelimiter performs the originating side of the handshake: it writes d
// as the first bytes on the stream and adopts it. A random delimiter is
// used when d is nil.
func (c *Conn) SendDelimiter(d *codec.Delimiter) error {
	delim, err := c.originate(d)
	if err != nil {
		return err
	}
	c.log.Debug("delimiter sent", zap.Stringer("delimiter", delim))
	c.notifyDelimiter(delim)
	return nil
}

func (c *Conn) originate(d *codec.Delimiter) (codec.Delimiter, error) {
	var delim codec.Delimiter
	if d != nil {
		delim = *d
	} else {
		var err error
		if delim, err = codec.NewDelimiter(); err != nil {
			return delim, err
		}
	}

	// holding writeMu keeps any frame from going out before the delimiter
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	err := c.framer.SetDelimiter(delim)
	c.mu.Unlock()
	if err != nil {
		return delim, err
	}

	if _, err := c.rwc.Write(delim[:]); err != nil {
		return delim, fmt.Errorf("talk: send delimiter: %w", err)
	}

	c.mu.Lock()
	c.establishLocked(delim)
	c.mu.Unlock()
	return delim, nil
}

// Send encodes v as JSON and writes it as one frame.
func (c *Conn) Send(v interface{}) error {
	b, err := codec.Marshal(c.codec, v)
	if err != nil {
		return fmt.Errorf("talk: encode: %w", err)
	}
	return c.SendRaw(b)
}

// SendRaw writes an already encoded payload as one frame. The payload must
// not contain the delimiter.
func (c *Conn) SendRaw(payload []byte) error {
	c.mu.Lock()
	d, ok := c.delim, c.hasDelim
	closed := c.closed || c.closing
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrNoDelimiter
	}

	frame := codec.AppendFrame(make([]byte, 0, len(payload)+codec.DelimiterLen), payload, d)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rwc.Write(frame); err != nil {
		return fmt.Errorf("talk: write: %w", err)
	}
	return nil
}

// Go sends a request and returns its Pending handle without waiting. It
// fails with ErrNoDelimiter if the delimiter is not yet established.
func (c *Conn) Go(typ string, data interface{}) (*Pending, error) {
	raw, err := codec.Marshal(c.codec, data)
	if err != nil {
		return nil, fmt.Errorf("talk: encode request data: %w", err)
	}

	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	tag, err := c.newTagLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	// registered before sending so a fast response always finds its entry
	p := newPending(tag, typ)
	c.pending[tag] = p
	c.mu.Unlock()

	b, err := rpc.RequestEnvelope(tag, typ, raw)
	if err == nil {
		err = c.SendRaw(b)
	}
	if err != nil {
		c.forget(tag)
		return nil, err
	}
	c.log.Debug("request sent", zap.String("tag", tag), zap.String("type", typ))
	return p, nil
}

// Call sends a request and waits for its response, decoding the response
// data into reply unless reply is nil. If ctx ends first the request is
// abandoned: its tag is dropped and a late response is ignored. A Call made
// before the delimiter arrives waits for it.
func (c *Conn) Call(ctx context.Context, typ string, data, reply interface{}) error {
	select {
	case <-c.ready:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	p, err := c.Go(typ, data)
	if err != nil {
		return err
	}
	select {
	case <-p.Done():
		return p.Decode(reply)
	case <-ctx.Done():
		c.forget(p.Tag)
		return ctx.Err()
	}
}

// Request is Call returning the response data as a generic JSON value.
func (c *Conn) Request(ctx context.Context, typ string, data interface{}) (interface{}, error) {
	var v interface{}
	err := c.Call(ctx, typ, data, &v)
	return v, err
}

// Pending returns the number of requests awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Serve reads the stream until it ends, dispatching frames in order. It
// returns nil when the stream ends cleanly or the connection is closed
// locally, and the read error otherwise.
func (c *Conn) Serve() error {
	c.mu.Lock()
	if c.serving {
		c.mu.Unlock()
		return errServing
	}
	c.serving = true
	c.mu.Unlock()

	buf := make([]byte, c.readBufferSize)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			c.receive(buf[:n])
		}
		if err == nil {
			continue
		}

		c.mu.Lock()
		closing := c.closing
		c.closing = true
		c.mu.Unlock()
		if closing || errors.Is(err, io.EOF) {
			err = nil
		} else {
			err = fmt.Errorf("talk: read: %w", err)
		}
		if !closing {
			c.rwc.Close()
		}
		c.shutdown(err)
		return err
	}
}

// Close closes the underlying stream. Requests still pending fail with
// ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	err := c.rwc.Close()
	c.shutdown(nil)
	return err
}

func (c *Conn) receive(p []byte) {
	var (
		frames      [][]byte
		delim       codec.Delimiter
		established bool
	)

	c.mu.Lock()
	c.framer.Write(p)
	if !c.hasDelim {
		if d, ok := c.framer.Delimiter(); ok {
			c.establishLocked(d)
			delim, established = d, true
		}
	}
	for {
		frame, ok := c.framer.Next()
		if !ok {
			break
		}
		frames = append(frames, frame)
	}
	c.mu.Unlock()

	if established {
		c.log.Debug("delimiter received", zap.Stringer("delimiter", delim))
		c.notifyDelimiter(delim)
	}
	for _, frame := range frames {
		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame []byte) {
	env, err := rpc.ParseEnvelope(frame)
	if err != nil {
		// the json decoder gives a more useful description
		var v interface{}
		if derr := codec.Unmarshal(c.codec, frame, &v); derr != nil {
			err = fmt.Errorf("%w: %v", err, derr)
		}
		c.parseError(frame, err)
		return
	}

	switch {
	case env.IsResponse():
		c.resolve(env)
		return
	case env.IsRequest():
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			go c.respond(h, env)
			return
		}
	}

	var v interface{}
	if err := codec.Unmarshal(c.codec, frame, &v); err != nil {
		c.parseError(frame, err)
		return
	}
	c.mu.Lock()
	fns := c.onValue
	c.mu.Unlock()
	for _, f := range fns {
		f(v)
	}
}

func (c *Conn) resolve(env *rpc.Envelope) {
	c.mu.Lock()
	p, ok := c.pending[env.Tag]
	delete(c.pending, env.Tag)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("response without pending request", zap.String("tag", env.Tag))
		return
	}

	if env.Response.Failed {
		p.complete(nil, rpc.RemoteError(env.Response.Error))
		return
	}
	p.complete(env.Response.Data, nil)
}

func (c *Conn) respond(h rpc.Handler, env *rpc.Envelope) {
	r := &responder{conn: c, tag: env.RawTag}
	call := &rpc.Call{
		Type:    env.Request.Type,
		Data:    env.Request.Data,
		Tag:     env.Tag,
		Caller:  c,
		Context: c.ctx,
	}
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("request handler panicked",
				zap.String("tag", env.Tag),
				zap.String("type", call.Type),
				zap.Any("panic", p))
			if !r.written() {
				r.fail(fmt.Sprintf("panic: %v", p))
			}
		}
	}()

	h.RespondRPC(r, call)
	if !r.responded() {
		r.Return(nil)
	}
}

func (c *Conn) parseError(frame []byte, err error) {
	perr := &ParseError{Frame: frame, Err: err}
	c.log.Warn("Failed to parse frame",
		zap.ByteString("frame", frame),
		zap.Error(err))

	c.mu.Lock()
	fns := c.onParseError
	c.mu.Unlock()
	for _, f := range fns {
		f(perr)
	}
}

func (c *Conn) notifyDelimiter(d codec.Delimiter) {
	c.mu.Lock()
	fns := c.onDelimiter
	c.onDelimiter = nil
	c.mu.Unlock()
	for _, f := range fns {
		f(d)
	}
}

// establishLocked adopts d. c.mu must be held.
func (c *Conn) establishLocked(d codec.Delimiter) {
	c.delim = d
	c.hasDelim = true
	close(c.ready)
}

func (c *Conn) newTagLocked() (string, error) {
	b := make([]byte, tagLen)
	for {
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("talk: tag: %w", err)
		}
		tag := hex.EncodeToString(b)
		if _, exists := c.pending[tag]; !exists {
			return tag, nil
		}
	}
}

func (c *Conn) forget(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, tag)
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[string]*Pending)
		fns := c.onClose
		c.mu.Unlock()

		c.cancel()
		for _, p := range pending {
			p.complete(nil, ErrClosed)
		}
		close(c.done)

		c.log.Debug("connection closed",
			zap.Int("abandoned", len(pending)),
			zap.Error(err))
		for _, f := range fns {
			f(err)
		}
	})
}

type responder struct {
	conn *Conn
	tag  json.RawMessage

	mu    sync.Mutex
	sent  bool
	wrote bool
}

func (r *responder) responded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// written reports whether a response frame went out, which can lag sent
// when encoding the value panics.
func (r *responder) written() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wrote
}

func (r *responder) Return(v interface{}) error {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return errResponded
	}
	r.sent = true
	r.mu.Unlock()

	if e, ok := v.(error); ok {
		return r.fail(e.Error())
	}

	data, err := codec.Marshal(r.conn.codec, v)
	if err != nil {
		r.fail(err.Error())
		return fmt.Errorf("talk: encode response: %w", err)
	}
	b, err := rpc.ResponseEnvelope(r.tag, data)
	if err != nil {
		return err
	}
	return r.write(b)
}

func (r *responder) fail(description string) error {
	b, err := rpc.ErrorEnvelope(r.tag, description)
	if err != nil {
		return err
	}
	return r.write(b)
}

func (r *responder) write(b []byte) error {
	r.mu.Lock()
	r.wrote = true
	r.mu.Unlock()
	return r.conn.SendRaw(b)
}
