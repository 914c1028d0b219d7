package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/util"
)

// pendingCall is one in-flight request's delivery channel. gone closes
// when the waiter unregisters, so the demux loop never blocks on a call
// nobody is draining.
type pendingCall struct {
	ch   chan *frame
	gone chan struct{}
}

// Client is one side of an RPC session over a substream. It multiplexes
// concurrent calls by request id.
type Client struct {
	cfg      config.RpcConfig
	rw       io.ReadWriteCloser
	framer   *framer
	protocol string
	version  uint32

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*pendingCall
	closed  bool

	shutdown  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial performs the client side of the session handshake over an
// already open substream and starts the response demultiplexer.
func Dial(rw io.ReadWriteCloser, protocolID string, versions []uint32, cfg config.RpcConfig) (*Client, error) {
	fr := newFramer(rw, cfg.MaxFrameSize)

	if err := fr.write(&frame{Kind: frameHandshake, ProtocolID: protocolID, Versions: versions}); err != nil {
		_ = rw.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	ack, err := readWithTimeout(fr, cfg.HandshakeTimeout)
	if err != nil {
		_ = rw.Close()
		return nil, ErrHandshakeFailed
	}
	if ack.Kind != frameHandshakeAck {
		_ = rw.Close()
		return nil, ErrHandshakeFailed
	}
	if ack.Status != StatusOk {
		_ = rw.Close()
		return nil, &Status{Code: ack.Status, Message: ack.Message}
	}

	c := &Client{
		cfg:      cfg,
		rw:       rw,
		framer:   fr,
		protocol: protocolID,
		version:  ack.Version,
		pending:  make(map[uint32]*pendingCall),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	util.SafeGoWithName("rpc-client-demux", c.demux)
	return c, nil
}

// Version returns the negotiated protocol version.
func (c *Client) Version() uint32 {
	return c.version
}

// demux routes response frames to their waiting calls until the
// substream dies. Frames for unregistered request ids are discarded,
// and every delivery is cancellable, so an abandoned stream can never
// wedge the loop.
func (c *Client) demux() {
	defer close(c.done)
	for {
		fr, err := c.framer.read()
		if err != nil {
			c.failAll()
			return
		}
		if fr.Kind != frameResponse {
			continue
		}
		c.mu.Lock()
		call, ok := c.pending[fr.RequestID]
		if ok && fr.Fin {
			delete(c.pending, fr.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			// Late frame for a cancelled or abandoned call.
			continue
		}
		select {
		case call.ch <- fr:
		case <-call.gone:
			// Waiter left between lookup and delivery.
		case <-c.shutdown:
			c.failAll()
			return
		}
	}
}

func (c *Client) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, call := range c.pending {
		close(call.ch)
		delete(c.pending, id)
	}
}

// register allocates a request id and its delivery state. The channel
// is buffered deep enough that the demux loop never blocks on a slow
// consumer of a finished unary call.
func (c *Client) register(buffer int) (uint32, *pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrSessionClosed
	}
	c.nextID++
	id := c.nextID
	call := &pendingCall{
		ch:   make(chan *frame, buffer),
		gone: make(chan struct{}),
	}
	c.pending[id] = call
	return id, call, nil
}

// unregister drops a call. Closing gone releases the demux loop if it
// is mid-delivery for this id; later frames for the id are discarded.
func (c *Client) unregister(id uint32) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		close(call.gone)
	}
}

// Call performs a unary request and returns the single response body.
func (c *Client) Call(ctx context.Context, method string, body []byte) ([]byte, error) {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	id, call, err := c.register(2)
	if err != nil {
		return nil, err
	}
	defer c.unregister(id)

	if err := c.send(ctx, id, method, body); err != nil {
		return nil, err
	}

	var result []byte
	got := false
	for {
		select {
		case fr, ok := <-call.ch:
			if !ok {
				return nil, ErrSessionClosed
			}
			if fr.Status != StatusOk {
				return nil, &Status{Code: fr.Status, Message: fr.Message}
			}
			if len(fr.Body) > 0 && !got {
				result = fr.Body
				got = true
			}
			if fr.Fin {
				return result, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ClientStream receives the items of a server-streaming call.
type ClientStream struct {
	client *Client
	id     uint32
	call   *pendingCall
	ctx    context.Context
}

// Recv returns the next item. io.EOF signals a clean end of stream.
func (s *ClientStream) Recv() ([]byte, error) {
	for {
		select {
		case fr, ok := <-s.call.ch:
			if !ok {
				return nil, ErrSessionClosed
			}
			if fr.Status != StatusOk {
				return nil, &Status{Code: fr.Status, Message: fr.Message}
			}
			if fr.Fin {
				return nil, io.EOF
			}
			return fr.Body, nil
		case <-s.ctx.Done():
			s.client.unregister(s.id)
			return nil, s.ctx.Err()
		}
	}
}

// Close abandons the stream early. Remaining frames for it are
// discarded and the session stays usable for other calls.
func (s *ClientStream) Close() {
	s.client.unregister(s.id)
}

// StreamCall starts a server-streaming request.
func (c *Client) StreamCall(ctx context.Context, method string, body []byte) (*ClientStream, error) {
	// Streams buffer up to the frame window; the server blocks once the
	// client stops draining.
	id, call, err := c.register(16)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, id, method, body); err != nil {
		c.unregister(id)
		return nil, err
	}
	return &ClientStream{client: c, id: id, call: call, ctx: ctx}, nil
}

func (c *Client) send(ctx context.Context, id uint32, method string, body []byte) error {
	req := &frame{
		Kind:      frameRequest,
		RequestID: id,
		Method:    method,
		Body:      body,
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			req.Deadline = remaining
		}
	}
	return c.framer.write(req)
}

// Close tears the session down and waits for the demux loop to exit.
// The shutdown signal releases the loop even when it is blocked
// delivering to a call nobody is draining.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })
	err := c.rw.Close()
	<-c.done
	return err
}
