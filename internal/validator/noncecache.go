package validator

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
)

const nonceCacheShards = 16

// nonceKey is the (sender, nonce) composite key the nonce cache de-dupes
// on (spec §4.3 step 3).
type nonceKey struct {
	sender common.Address
	nonce  uint64
}

type nonceEntry struct {
	expiresAt time.Time
}

// nonceShard is one of the independently-locked shards of the nonce cache
// (spec §5: "protected by independent locks per shard of the key space
// (default 16 shards)").
type nonceShard struct {
	mu      sync.Mutex
	entries map[nonceKey]nonceEntry
}

// NonceCache is a bounded-by-TTL cache of recently admitted (sender,
// nonce) pairs, sharded by sender address via xxhash for low lock
// contention across worker lanes (spec §4.3, default TTL 10 min).
type NonceCache struct {
	ttl    time.Duration
	shards [nonceCacheShards]*nonceShard
}

// NewNonceCache returns a NonceCache with the given entry TTL.
func NewNonceCache(ttl time.Duration) *NonceCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	nc := &NonceCache{ttl: ttl}
	for i := range nc.shards {
		nc.shards[i] = &nonceShard{entries: make(map[nonceKey]nonceEntry)}
	}
	return nc
}

func (nc *NonceCache) shardFor(addr common.Address) *nonceShard {
	h := xxhash.Sum64(addr.Bytes())
	return nc.shards[h%uint64(nonceCacheShards)]
}

// Seen reports whether (sender, nonce) was already recorded and not yet
// expired.
func (nc *NonceCache) Seen(sender common.Address, nonce uint64) bool {
	shard := nc.shardFor(sender)
	key := nonceKey{sender: sender, nonce: nonce}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		delete(shard.entries, key)
		return false
	}
	return true
}

// Record marks (sender, nonce) as admitted, starting its TTL countdown.
func (nc *NonceCache) Record(sender common.Address, nonce uint64) {
	shard := nc.shardFor(sender)
	key := nonceKey{sender: sender, nonce: nonce}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.entries[key] = nonceEntry{expiresAt: time.Now().Add(nc.ttl)}
}

// Sweep evicts expired entries across all shards. Nothing in the
// sequencer calls it; between sweeps, Seen drops an expired entry only
// when that entry is looked up.
func (nc *NonceCache) Sweep() {
	now := time.Now()
	for _, shard := range nc.shards {
		shard.mu.Lock()
		for k, v := range shard.entries {
			if now.After(v.expiresAt) {
				delete(shard.entries, k)
			}
		}
		shard.mu.Unlock()
	}
}
