package transport_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyepoxide/polyepoxide/internal/transport"
	"github.com/polyepoxide/polyepoxide/pkg/codec"
	"github.com/polyepoxide/polyepoxide/pkg/dagsync"
	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/schema"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := transport.Message{Type: transport.MsgGet, Payload: []byte("payload")}
	require.NoError(t, transport.WriteMessage(&buf, in))

	out, err := transport.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, transport.WriteMessage(&buf, transport.Message{Type: transport.MsgHas}))
	out, err := transport.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, transport.MsgHas, out.Type)
	assert.Empty(t, out.Payload)
}

func TestResponseRoundTripsNotFound(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, transport.WriteResponse(&buf,
		transport.Response{Error: store.ErrNotFound}))

	out, err := transport.ReadResponse(&buf)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Error, store.ErrNotFound)
}

func TestHashListRoundTrip(t *testing.T) {
	in := []hash.Hash{
		hash.Sum([]byte("a")),
		hash.Sum([]byte("b")),
		hash.Sum([]byte("c")),
	}
	out, err := transport.UnmarshalHashList(transport.MarshalHashList(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestHashListRejectsBogusCount(t *testing.T) {
	b := transport.MarshalHashList([]hash.Hash{hash.Sum([]byte("x"))})
	b[0] = 0xff // claim far more hashes than the payload holds
	_, err := transport.UnmarshalHashList(b)
	assert.Error(t, err)
}

func TestNodeListRoundTrip(t *testing.T) {
	dep := hash.Sum([]byte("dep"))
	skipped := hash.Sum([]byte("skipped"))
	in := []store.Node{
		{Hash: hash.Sum([]byte("n1")), Bytes: []byte("n1")},
		{
			Hash:   hash.Sum([]byte("n2")),
			Bytes:  []byte("n2"),
			Deps:   []hash.Hash{dep, skipped},
			Elided: []hash.Hash{skipped},
		},
	}
	payload, err := transport.MarshalNodeList(in)
	require.NoError(t, err)
	out, err := transport.UnmarshalNodeList(payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestNodeListRejectsTruncated(t *testing.T) {
	payload, err := transport.MarshalNodeList([]store.Node{
		{Hash: hash.Sum([]byte("n")), Bytes: []byte("node bytes")},
	})
	require.NoError(t, err)
	_, err = transport.UnmarshalNodeList(payload[:len(payload)-3])
	assert.Error(t, err)
}

// startServer runs a loopback server over the given store.
func startServer(t *testing.T, st store.Store) *transport.Server {
	t.Helper()
	srv, err := transport.NewServer("127.0.0.1:0", st, nil)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, addr string) *transport.Client {
	t.Helper()
	c, err := transport.NewClient(addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLoopbackHasGetPut(t *testing.T) {
	st := store.NewMemory()
	n := store.Node{Hash: hash.Sum([]byte("served")), Bytes: []byte("served")}
	require.NoError(t, st.PutBatch([]store.Node{n}))

	srv := startServer(t, st)
	c := dial(t, srv.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bits, err := c.Has(ctx, []hash.Hash{n.Hash, hash.Sum([]byte("absent"))})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, bits)

	b, err := c.Get(ctx, n.Hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("served"), b)

	_, err = c.Get(ctx, hash.Sum([]byte("absent")))
	assert.ErrorIs(t, err, store.ErrNotFound)

	pushed := store.Node{Hash: hash.Sum([]byte("pushed")), Bytes: []byte("pushed")}
	require.NoError(t, c.Put(ctx, []store.Node{pushed}))
	ok, err := st.Has(pushed.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	// Resubmitting the identical batch converges without complaint.
	require.NoError(t, c.Put(ctx, []store.Node{pushed}))
	assert.Equal(t, 2, st.Len())
}

func TestLoopbackPutEnforcesClosure(t *testing.T) {
	st := store.NewMemory()
	srv := startServer(t, st)
	c := dial(t, srv.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orphan := store.Node{
		Hash:  hash.Sum([]byte("orphan")),
		Bytes: []byte("orphan"),
		Deps:  []hash.Hash{hash.Sum([]byte("never sent"))},
	}
	err := c.Put(ctx, []store.Node{orphan})
	assert.ErrorIs(t, err, store.ErrIncompleteBatch)
}

// TestLoopbackPutVerifiesDigest sends bytes that do not digest to their
// declared hash. The batch must be refused before anything is committed,
// or the write-once slot would be poisoned for good.
func TestLoopbackPutVerifiesDigest(t *testing.T) {
	st := store.NewMemory()
	srv := startServer(t, st)
	c := dial(t, srv.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claimed := hash.Sum([]byte("the real content"))
	forged := store.Node{Hash: claimed, Bytes: []byte("attacker bytes")}
	err := c.Put(ctx, []store.Node{forged})
	assert.ErrorIs(t, err, store.ErrHashMismatch)

	ok, err := st.Has(claimed)
	require.NoError(t, err)
	assert.False(t, ok, "forged hash must stay absent")

	// The slot is still writable with the genuine bytes.
	require.NoError(t, c.Put(ctx, []store.Node{
		{Hash: claimed, Bytes: []byte("the real content")},
	}))
	b, err := st.Get(claimed)
	require.NoError(t, err)
	assert.Equal(t, []byte("the real content"), b)
}

func TestUnreachablePeerIsRetryable(t *testing.T) {
	c := dial(t, "127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Has(ctx, []hash.Hash{hash.Sum([]byte("x"))})
	assert.ErrorIs(t, err, dagsync.ErrPeerUnavailable)
}

// TestSyncOverLoopback pulls a full DAG through the wire.
func TestSyncOverLoopback(t *testing.T) {
	src := store.NewMemory()
	reg := schema.NewRegistry(src)
	u64T, err := reg.Primitive(schema.KindUint64)
	require.NoError(t, err)

	typ, err := reg.Get(u64T)
	require.NoError(t, err)
	b, err := codec.Encode(codec.Uint64(42), typ, reg)
	require.NoError(t, err)
	root := hash.Sum(b)
	require.NoError(t, src.PutBatch([]store.Node{
		{Hash: root, Bytes: b, Deps: []hash.Hash{u64T}},
	}))

	srv := startServer(t, src)
	c := dial(t, srv.Addr())

	dst := store.NewMemory()
	e := dagsync.New(dst, schema.NewRegistry(dst))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Pull(ctx, c, root, u64T))

	ok, err := dst.Has(root)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dst.Has(u64T)
	require.NoError(t, err)
	assert.True(t, ok)
}
