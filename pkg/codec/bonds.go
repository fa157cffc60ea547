package codec

import (
	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/schema"
)

// CollectBonds decodes node bytes and returns every bond reachable in
// the value, in traversal order. Targets are not fetched; only the schema
// nodes needed to steer the walk must be resolvable.
func CollectBonds(b []byte, t *schema.Type, res SchemaResolver) ([]Bond, error) {
	v, err := Decode(b, t, res)
	if err != nil {
		return nil, err
	}
	var bonds []Bond
	walkBonds(v, &bonds)
	return bonds, nil
}

func walkBonds(v Value, out *[]Bond) {
	switch x := v.(type) {
	case Bond:
		*out = append(*out, x)
	case Sequence:
		for _, e := range x {
			walkBonds(e, out)
		}
	case Record:
		for _, e := range x {
			walkBonds(e, out)
		}
	case Tuple:
		for _, e := range x {
			walkBonds(e, out)
		}
	case Map:
		for _, e := range x {
			walkBonds(e.Key, out)
			walkBonds(e.Value, out)
		}
	case OrderedMap:
		for _, e := range x {
			walkBonds(e.Key, out)
			walkBonds(e.Value, out)
		}
	case Tagged:
		walkBonds(x.Value, out)
	}
}

// Deps computes the full dependency set of a data node: its own schema
// hash plus, for every bond it contains, the target hash and the target's
// schema hash. This is what PutBatch closure checks and the sync engine
// consume; no generic graph walk over opaque bytes is ever needed.
func Deps(b []byte, schemaHash hash.Hash, res SchemaResolver) ([]hash.Hash, []Bond, error) {
	t, err := res.Get(schemaHash)
	if err != nil {
		return nil, nil, err
	}
	bonds, err := CollectBonds(b, t, res)
	if err != nil {
		return nil, nil, err
	}
	seen := map[hash.Hash]struct{}{schemaHash: {}}
	deps := []hash.Hash{schemaHash}
	add := func(h hash.Hash) {
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		deps = append(deps, h)
	}
	for _, bond := range bonds {
		add(bond.Target)
		add(bond.Schema)
	}
	return deps, bonds, nil
}
