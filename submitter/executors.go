package submitter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/happychain/boop-submitter/chain"
	gocache "github.com/patrickmn/go-cache"
)

var ErrNoExecutors = errors.New("no executor accounts configured")

// ExecutorPool assigns executor accounts to (account, track) pairs. A pair
// keeps its executor while it has recent activity so its boops are mined in
// nonce order; new pairs go to the least loaded executor.
type ExecutorPool struct {
	signers map[common.Address]chain.Signer
	order   []common.Address

	mu     sync.Mutex
	load   map[common.Address]int
	sticky *gocache.Cache
	ttl    time.Duration
}

func NewExecutorPool(ttl time.Duration, signers ...chain.Signer) (*ExecutorPool, error) {
	if len(signers) == 0 {
		return nil, ErrNoExecutors
	}
	p := &ExecutorPool{
		signers: make(map[common.Address]chain.Signer, len(signers)),
		load:    make(map[common.Address]int, len(signers)),
		sticky:  gocache.New(ttl, ttl/2+time.Millisecond),
		ttl:     ttl,
	}
	for _, s := range signers {
		if _, ok := p.signers[s.Address()]; ok {
			continue
		}
		p.signers[s.Address()] = s
		p.order = append(p.order, s.Address())
	}
	p.sticky.OnEvicted(func(_ string, v interface{}) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if addr, ok := v.(common.Address); ok && p.load[addr] > 0 {
			p.load[addr]--
		}
	})
	return p, nil
}

func stickyKey(account common.Address, track uint64) string {
	return fmt.Sprintf("%s:%d", account.Hex(), track)
}

// Pick returns the executor for (account, track) and extends its assignment.
func (p *ExecutorPool) Pick(account common.Address, track uint64) chain.Signer {
	key := stickyKey(account, track)

	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.sticky.Get(key); ok {
		addr := v.(common.Address) //nolint:forcetypeassert
		p.sticky.Set(key, addr, p.ttl)
		return p.signers[addr]
	}

	best := p.order[0]
	for _, addr := range p.order[1:] {
		if p.load[addr] < p.load[best] {
			best = addr
		}
	}
	p.load[best]++
	p.sticky.Set(key, best, p.ttl)
	return p.signers[best]
}

// Signer returns the signer of an executor address, used when resuming attempts.
func (p *ExecutorPool) Signer(executor common.Address) (chain.Signer, bool) {
	s, ok := p.signers[executor]
	return s, ok
}

func (p *ExecutorPool) Addresses() []common.Address {
	return append([]common.Address(nil), p.order...)
}
