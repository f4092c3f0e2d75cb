package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a claim only when it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// refreshScript extends a claim only when it still belongs to the caller.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// ProcessingSet records which submitter instance owns a boop hash. Claims
// expire so a crashed instance cannot hold a boop forever.
type ProcessingSet struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	owner  string
}

// NewProcessingSet writes claims owned by owner. An empty owner gets a random id.
func NewProcessingSet(client *redis.Client, ttl time.Duration, prefix, owner string) *ProcessingSet {
	if owner == "" {
		owner = uuid.NewString()
	}
	return &ProcessingSet{
		client: client,
		ttl:    ttl,
		prefix: prefix + ":",
		owner:  owner,
	}
}

func (p *ProcessingSet) key(hash common.Hash) string {
	return p.prefix + hash.Hex()
}

// Owner identifies this instance in the claims it writes.
func (p *ProcessingSet) Owner() string {
	return p.owner
}

// Add claims the hash for this instance. It returns false when any instance,
// this one included, already holds the claim.
func (p *ProcessingSet) Add(ctx context.Context, hash common.Hash) (bool, error) {
	return p.client.SetNX(ctx, p.key(hash), p.owner, p.ttl).Result()
}

// Remove releases the claim if this instance holds it.
func (p *ProcessingSet) Remove(ctx context.Context, hash common.Hash) error {
	return releaseScript.Run(ctx, p.client, []string{p.key(hash)}, p.owner).Err()
}

// Refresh extends the claim by the set's ttl. It returns false when this
// instance does not hold the claim anymore.
func (p *ProcessingSet) Refresh(ctx context.Context, hash common.Hash) (bool, error) {
	n, err := refreshScript.Run(ctx, p.client, []string{p.key(hash)}, p.owner, p.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimedBy returns the owner of the claim, or an empty string if the hash is free.
func (p *ProcessingSet) ClaimedBy(ctx context.Context, hash common.Hash) (string, error) {
	owner, err := p.client.Get(ctx, p.key(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}
