package dagsync

import (
	"context"

	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/store"
)

// LocalPeer adapts an in-process store to the Peer interface. Used for
// same-process replication and as the serving side behind a transport
// listener.
type LocalPeer struct {
	st store.Store
}

// NewLocalPeer wraps a store.
func NewLocalPeer(st store.Store) *LocalPeer {
	return &LocalPeer{st: st}
}

func (p *LocalPeer) Has(_ context.Context, hashes []hash.Hash) ([]bool, error) {
	out := make([]bool, len(hashes))
	for i, h := range hashes {
		ok, err := p.st.Has(h)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}

func (p *LocalPeer) Get(_ context.Context, h hash.Hash) ([]byte, error) {
	return p.st.Get(h)
}

func (p *LocalPeer) Put(_ context.Context, nodes []store.Node) error {
	return p.st.PutBatch(nodes)
}

// Fetch makes a LocalPeer usable as a cell fetcher too.
func (p *LocalPeer) Fetch(ctx context.Context, h hash.Hash) ([]byte, error) {
	return p.Get(ctx, h)
}
