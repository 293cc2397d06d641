package wallet

import (
	"context"
	"sync"

	"tokamak-settlement/common"
)

// NonceFetcher returns the nonce of the account after the last committed
// block
type NonceFetcher func(ctx context.Context) (common.Nonce, error)

// NonceTracker hands out the nonces of the txs of an account.  The next nonce
// is the committed nonce plus the number of txs submitted since it was
// fetched.  After a failure the committed nonce is fetched again.
type NonceTracker struct {
	mu        sync.Mutex
	fetch     NonceFetcher
	known     bool
	committed common.Nonce
	pending   common.Nonce
}

// NewNonceTracker creates a NonceTracker
func NewNonceTracker(fetch NonceFetcher) *NonceTracker {
	return &NonceTracker{fetch: fetch}
}

// NextNonce returns the nonce of the next tx
func (n *NonceTracker) NextNonce(ctx context.Context) (common.Nonce, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.known {
		committed, err := n.fetch(ctx)
		if err != nil {
			return 0, common.Wrap(err)
		}
		n.committed = committed
		n.pending = 0
		n.known = true
	}
	return n.committed + n.pending, nil
}

// Add records that a tx with the last returned nonce was submitted
func (n *NonceTracker) Add() {
	n.mu.Lock()
	n.pending++
	n.mu.Unlock()
}

// Observe updates the committed nonce.  Txs covered by it are no longer
// pending.
func (n *NonceTracker) Observe(committed common.Nonce) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.known {
		return
	}
	next := n.committed + n.pending
	if committed > next {
		// txs submitted elsewhere
		n.committed, n.pending = committed, 0
		return
	}
	n.committed, n.pending = committed, next-committed
}

// MarkFailed forgets the committed nonce.  The next call to NextNonce fetches
// it again.
func (n *NonceTracker) MarkFailed() {
	n.mu.Lock()
	n.known = false
	n.pending = 0
	n.mu.Unlock()
}
