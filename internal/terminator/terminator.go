// Package terminator implements the termination detector: a 2-second poll
// that exits the process once the local file is complete and every
// neighbor's advertised bitmap reports the same (spec.md §4.7).
package terminator

import (
	"context"
	"time"

	"github.com/prxssh/filemesh/internal/neighbor"
	"github.com/prxssh/filemesh/internal/store"
)

const pollInterval = 2 * time.Second

// Detector polls swarm-wide completion and invokes Done once the run is over.
type Detector struct {
	store      *store.Store
	registry   *neighbor.Registry
	membership int // total peer count, including self
	Done       func()
}

// New builds a Detector. membershipSize is the total number of peers in the
// run (including the local one); termination requires exactly
// membershipSize-1 connected neighbors, all reporting complete bitmaps.
func New(st *store.Store, reg *neighbor.Registry, membershipSize int, done func()) *Detector {
	return &Detector{store: st, registry: reg, membership: membershipSize, Done: done}
}

// Run polls until ctx is canceled or termination is detected, in which case
// Done is invoked once and Run returns.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.checkComplete() {
				if d.Done != nil {
					d.Done()
				}
				return
			}
		}
	}
}

func (d *Detector) checkComplete() bool {
	if !d.store.HasAll() {
		return false
	}

	sessions := d.registry.All()
	if len(sessions) != d.membership-1 {
		return false
	}

	n := d.store.NumPieces()
	for _, s := range sessions {
		if !s.Bitmap().HasAll(n) {
			return false
		}
	}

	return true
}
