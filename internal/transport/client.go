package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/polyepoxide/polyepoxide/pkg/dagsync"
	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

// Client talks to one remote replica. It satisfies dagsync.Peer for the
// sync engine and cell.Fetcher for lazy resolution. Connections are
// dialed on first use and redialed after transport failures; transport
// failures surface as dagsync.ErrPeerUnavailable so the engine's retry
// policy applies.
type Client struct {
	addr    string
	log     *slog.Logger
	tlsCert tls.Certificate

	mu   sync.Mutex
	conn quic.Connection
}

// NewClient prepares a client for the given peer address. No connection
// is made until the first request.
func NewClient(addr string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("transport: generate TLS cert: %w", err)
	}
	return &Client{addr: addr, log: log, tlsCert: cert}, nil
}

// Addr returns the peer address this client dials.
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) connect(ctx context.Context) (quic.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := quic.DialAddr(ctx, c.addr, clientTLSConfig(c.tlsCert), newQuicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w",
			dagsync.ErrPeerUnavailable, c.addr, err)
	}
	c.log.Debug("peer dialed", "addr", c.addr)
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConn(conn quic.Connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.CloseWithError(0, "")
}

// roundTrip sends one request on a fresh stream and reads the reply.
// Frame-level failures invalidate the cached connection.
func (c *Client) roundTrip(ctx context.Context, msg Message) (Response, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return Response{}, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.dropConn(conn)
		return Response{}, fmt.Errorf("%w: open stream: %w",
			dagsync.ErrPeerUnavailable, err)
	}
	defer func() { _ = stream.Close() }()

	if err := WriteMessage(stream, msg); err != nil {
		c.dropConn(conn)
		return Response{}, fmt.Errorf("%w: %w", dagsync.ErrPeerUnavailable, err)
	}
	resp, err := ReadResponse(stream)
	if err != nil {
		c.dropConn(conn)
		return Response{}, fmt.Errorf("%w: %w", dagsync.ErrPeerUnavailable, err)
	}
	return resp, nil
}

// Has implements dagsync.Peer.
func (c *Client) Has(ctx context.Context, hashes []hash.Hash) ([]bool, error) {
	resp, err := c.roundTrip(ctx, Message{
		Type:    MsgHas,
		Payload: MarshalHashList(hashes),
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("transport: has: %w", resp.Error)
	}
	bits := UnmarshalBoolList(resp.Payload)
	if len(bits) != len(hashes) {
		return nil, fmt.Errorf("transport: has returned %d results for %d hashes",
			len(bits), len(hashes))
	}
	return bits, nil
}

// Get implements dagsync.Peer. Missing nodes come back as
// store.ErrNotFound, never as an unavailability.
func (c *Client) Get(ctx context.Context, h hash.Hash) ([]byte, error) {
	resp, err := c.roundTrip(ctx, Message{
		Type:    MsgGet,
		Payload: MarshalHashList([]hash.Hash{h}),
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Payload, nil
}

// Fetch implements cell.Fetcher.
func (c *Client) Fetch(ctx context.Context, h hash.Hash) ([]byte, error) {
	return c.Get(ctx, h)
}

// Put implements dagsync.Peer. A closure rejection on the remote side
// is an application error and comes back unwrapped.
func (c *Client) Put(ctx context.Context, nodes []store.Node) error {
	payload, err := MarshalNodeList(nodes)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(ctx, Message{Type: MsgPut, Payload: payload})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		if strings.Contains(resp.Error.Error(), store.ErrIncompleteBatch.Error()) {
			return store.ErrIncompleteBatch
		}
		if strings.Contains(resp.Error.Error(), store.ErrHashMismatch.Error()) {
			return store.ErrHashMismatch
		}
		return fmt.Errorf("transport: put: %w", resp.Error)
	}
	return nil
}

// Close tears down the cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.CloseWithError(0, "client closed")
	}
	return nil
}
