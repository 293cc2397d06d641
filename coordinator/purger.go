package coordinator

import (
	"time"

	"tokamak-settlement/log"
	"tokamak-settlement/txselector"
)

// PurgerCfg is the purger configuration
type PurgerCfg struct {
	// PurgeInterval is the delay between purges of the pool
	PurgeInterval time.Duration
	// TTL is how long verified and failed txs stay in the pool so that
	// their status can still be polled
	TTL time.Duration
}

// Purger manages cleanup of transactions in the pool
type Purger struct {
	cfg       PurgerCfg
	lastPurge time.Time
}

// PurgeMaybe purges the pool if PurgeInterval has passed since the last
// purge.  It returns true when the pool was purged.
func (p *Purger) PurgeMaybe(pool *txselector.TxPool, now time.Time) bool {
	if p.cfg.TTL == 0 || now.Sub(p.lastPurge) < p.cfg.PurgeInterval {
		return false
	}
	p.lastPurge = now
	n := pool.Purge(p.cfg.TTL)
	log.Debugw("Purger: pool purged", "txs", n)
	return true
}
