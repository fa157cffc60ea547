package blob_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyepoxide/polyepoxide/pkg/blob"
	"github.com/polyepoxide/polyepoxide/pkg/cell"
	"github.com/polyepoxide/polyepoxide/pkg/dagsync"
	"github.com/polyepoxide/polyepoxide/pkg/schema"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

// testData builds a deterministic buffer large enough to span several
// chunks.
func testData(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*31 + i/257)
	}
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	st := store.NewMemory()
	reg := schema.NewRegistry(st)
	data := testData(900 * 1024)

	root, err := blob.Write(st, reg, bytes.NewReader(data))
	require.NoError(t, err)

	sol := cell.NewSolvent(st, reg)
	got, err := blob.ReadAll(context.Background(), sol, root)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteIsDeterministic(t *testing.T) {
	st := store.NewMemory()
	reg := schema.NewRegistry(st)
	data := testData(700 * 1024)

	root1, err := blob.Write(st, reg, bytes.NewReader(data))
	require.NoError(t, err)
	countAfterFirst := st.Len()

	root2, err := blob.Write(st, reg, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, root1, root2)
	assert.Equal(t, countAfterFirst, st.Len(),
		"rewriting identical content must store nothing new")
}

func TestEmptyBlob(t *testing.T) {
	st := store.NewMemory()
	reg := schema.NewRegistry(st)

	root, err := blob.Write(st, reg, bytes.NewReader(nil))
	require.NoError(t, err)

	sol := cell.NewSolvent(st, reg)
	got, err := blob.ReadAll(context.Background(), sol, root)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFetchesRemoteChunks(t *testing.T) {
	src := store.NewMemory()
	srcReg := schema.NewRegistry(src)
	data := testData(600 * 1024)

	root, err := blob.Write(src, srcReg, bytes.NewReader(data))
	require.NoError(t, err)

	// The reader side holds nothing locally and pulls every node,
	// schemas included, through the remote.
	replica := store.NewMemory()
	sol := cell.NewSolvent(replica, schema.NewRegistry(replica),
		cell.WithRemotes(dagsync.NewLocalPeer(src)))

	got, err := blob.ReadAll(context.Background(), sol, root)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
