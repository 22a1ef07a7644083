// client.go — Duplex CDP client over a single WebSocket connection.
//
// Writes from any goroutine are serialized by writeMu, and one dedicated
// goroutine owns the socket for reads. Replies are correlated to calls by
// a monotonic id; everything else is an event, fanned out to subscribers.
package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog"
	"github.com/coder/websocket"

	"github.com/browserfairy/browserfairy-go/internal/util"
)

const defaultSubscriberBuffer = 256

// connectAttempts and connectBackoff implement §4.1's "retries with
// exponential back-off up to three attempts": 1s, then 2s between dials.
const connectAttempts = 3

// connectBaseBackoff is doubled after each failed attempt (1s, then 2s).
const connectBaseBackoff = 1 * time.Second

// defaultCallTimeout is applied to a Call whose caller ctx carries no
// deadline of its own (§5: "every protocol call has a default timeout").
const defaultCallTimeout = 10 * time.Second

// handshakeProbeTimeout bounds the post-dial protocol probe Connect uses to
// tell a real CDP endpoint from something that merely accepted the
// WebSocket upgrade.
const handshakeProbeTimeout = 5 * time.Second

// Client is a duplex JSON-RPC-over-WebSocket connection to a browser's CDP
// debug endpoint.
type Client struct {
	log  slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	nextID int64

	pendingMu sync.Mutex
	pending   map[int64]chan Response

	bySessionMethod map[string]*subscriberSet // key: sessionFilter-qualified method
	subMu           sync.Mutex

	onDisconnectMu sync.Mutex
	onDisconnect   []func(error)

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Connect dials the browser's debug WebSocket, retrying up to
// connectAttempts times with exponential back-off (1s, then 2s) on failure.
// resolve is called before every attempt, including the first, so a caller
// backed by an HTTP discovery step (e.g. /json/version) re-resolves the
// endpoint each time rather than retrying a stale URL (§4.1). The returned
// Client's receive loop is already running.
func Connect(ctx context.Context, log slog.Logger, resolve func(context.Context) (string, error)) (*Client, error) {
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			delay := connectBaseBackoff * time.Duration(1<<(attempt-1))
			log.Warn(ctx, "protocol: connect attempt failed, retrying",
				slog.F("attempt", attempt), slog.F("delay", delay), slog.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, wrap(KindUnreachable, "protocol.Connect", ctx.Err())
			}
		}

		c, err := connectOnce(ctx, log, resolve)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func connectOnce(ctx context.Context, log slog.Logger, resolve func(context.Context) (string, error)) (*Client, error) {
	endpoint, err := resolve(ctx)
	if err != nil {
		return nil, wrap(KindUnreachable, "protocol.Connect", err)
	}

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, wrap(KindUnreachable, "protocol.Connect", err)
	}

	c := &Client{
		log:             log,
		conn:            conn,
		pending:         make(map[int64]chan Response),
		bySessionMethod: make(map[string]*subscriberSet),
		done:            make(chan struct{}),
	}

	util.SafeGo(c.receiveLoop)

	if err := c.handshakeProbe(ctx); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake probe failed")
		return nil, wrap(KindHandshakeFailed, "protocol.Connect", err)
	}

	return c, nil
}

// handshakeProbe issues a bounded, trivial CDP call to confirm the endpoint
// actually speaks the protocol rather than merely accepting the WebSocket
// upgrade: `websocket.Dial` succeeds against any HTTP server willing to
// upgrade, so a non-CDP endpoint only reveals itself once a call it can't
// answer times out or comes back malformed. Failure here is classified as
// HandshakeFailed rather than the Unreachable a failed Dial produces
// (§4.1/§7).
func (c *Client) handshakeProbe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, handshakeProbeTimeout)
	defer cancel()
	_, err := c.Call(probeCtx, "", "Target.getTargets", nil)
	return err
}

// Call sends method with params over sessionID (empty for browser-level
// commands) and blocks until a matching Response arrives, ctx is done, or
// the connection is closed. If ctx carries no deadline, a default 10s
// timeout is applied (§5): the timeout fails this call only, it does not
// tear down the session.
func (c *Client) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, wrap(KindDisconnected, method, c.closeErr)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	id := atomic.AddInt64(&c.nextID, 1)

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, wrap(KindProtocolError, method, err)
		}
		raw = b
	}

	req := Request{ID: id, SessionID: sessionID, Method: method, Params: raw}
	replyCh := make(chan Response, 1)

	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-replyCh:
		if !ok {
			return nil, wrap(KindDisconnected, method, c.closeErr)
		}
		if resp.Error != nil {
			return nil, wrap(KindProtocolError, method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, wrap(KindTimeout, method, ctx.Err())
	case <-c.done:
		return nil, wrap(KindDisconnected, method, c.closeErr)
	}
}

func (c *Client) send(ctx context.Context, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return wrap(KindProtocolError, req.Method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return wrap(KindDisconnected, req.Method, err)
	}
	return nil
}

// Subscribe returns a Subscription receiving every Event for method. If
// sessionID is nonempty, only events carrying that sessionId are delivered —
// used by per-target collectors that must not see another target's events.
func (c *Client) Subscribe(method, sessionID string) *Subscription {
	key := subscriptionKey(method, sessionID)

	c.subMu.Lock()
	set, ok := c.bySessionMethod[key]
	if !ok {
		set = newSubscriberSet()
		c.bySessionMethod[key] = set
	}
	c.subMu.Unlock()

	drops := new(int64)
	sub := &Subscription{
		c:     make(chan Event, defaultSubscriberBuffer),
		drops: drops,
	}
	sub.C = sub.c
	set.add(sub)
	return sub
}

// Unsubscribe stops delivery to sub and releases its buffer.
func (c *Client) Unsubscribe(method, sessionID string, sub *Subscription) {
	key := subscriptionKey(method, sessionID)
	c.subMu.Lock()
	set, ok := c.bySessionMethod[key]
	c.subMu.Unlock()
	if !ok {
		return
	}
	set.remove(sub)
}

func subscriptionKey(method, sessionID string) string {
	if sessionID == "" {
		return method
	}
	return method + "\x00" + sessionID
}

// OnDisconnect registers fn to run (once, from a dedicated goroutine) when
// the connection is lost for any reason.
func (c *Client) OnDisconnect(fn func(error)) {
	c.onDisconnectMu.Lock()
	defer c.onDisconnectMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Close closes the underlying connection. Idempotent, and races safely with
// a disconnect the receive loop is already tearing down: whichever of Close
// or a read failure gets there first decides closeErr.
func (c *Client) Close() error {
	_ = c.conn.Close(websocket.StatusNormalClosure, "client closed")
	c.finish(wrap(KindDisconnected, "protocol.Close", nil))
	return nil
}

// finish marks the client closed and unblocks every Call waiting on c.done,
// exactly once regardless of whether Close or the receive loop's own
// disconnect detection gets there first.
func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = err
		close(c.done)
	})
}

func (c *Client) receiveLoop() {
	var loopErr error
	defer func() { c.teardown(loopErr) }()
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			loopErr = wrap(KindDisconnected, "protocol.receiveLoop", err)
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn(ctx, "protocol: malformed frame", slog.Error(err))
			continue
		}

		if msg.isResponse() {
			c.dispatchResponse(msg)
			continue
		}
		c.dispatchEvent(Event{SessionID: msg.SessionID, Method: msg.Method, Params: msg.Params})
	}
}

func (c *Client) dispatchResponse(msg inbound) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- Response{ID: msg.ID, SessionID: msg.SessionID, Result: msg.Result, Error: msg.Error}
}

func (c *Client) dispatchEvent(ev Event) {
	c.subMu.Lock()
	global := c.bySessionMethod[ev.Method]
	scoped := c.bySessionMethod[subscriptionKey(ev.Method, ev.SessionID)]
	c.subMu.Unlock()

	if global != nil {
		global.dispatch(ev, "")
	}
	if scoped != nil {
		scoped.dispatch(ev, ev.SessionID)
	}
}

// teardown runs once, from receiveLoop's defer, no matter why the loop
// exited (a lost connection or Close forcing a read error). It fails every
// pending Call with Disconnected — never a silent zero-value success — and
// notifies every OnDisconnect handler.
func (c *Client) teardown(loopErr error) {
	if loopErr == nil {
		loopErr = wrap(KindDisconnected, "protocol.teardown", nil)
	}
	c.finish(loopErr)

	c.subMu.Lock()
	for _, set := range c.bySessionMethod {
		set.closeAll()
	}
	c.subMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.onDisconnectMu.Lock()
	handlers := append([]func(error){}, c.onDisconnect...)
	c.onDisconnectMu.Unlock()

	err := c.closeErr
	for _, fn := range handlers {
		fn := fn
		util.SafeGo(func() { fn(err) })
	}
}
