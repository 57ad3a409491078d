// Package shard maps storage keys onto horizontally partitioned stores.
package shard

import "hash/fnv"

// Router maps a storage key to one of N shards using a stable hash.
// It has no state beyond N: the same key maps to the same shard across
// calls, restarts and hosts. Changing N is an explicit out-of-band
// operation; live resharding is not provided.
type Router struct {
	n uint64
}

// NewRouter creates a router over n shards. n must be positive.
func NewRouter(n int) Router {
	if n <= 0 {
		panic("shard: router needs at least one shard")
	}
	return Router{n: uint64(n)}
}

// Shards returns the number of shards the router spans.
func (r Router) Shards() int { return int(r.n) }

// ShardFor returns the shard index for the given key.
func (r Router) ShardFor(key string) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % r.n)
}
