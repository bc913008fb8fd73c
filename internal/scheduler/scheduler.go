// Package scheduler runs the two periodic unchoke decisions that drive
// reciprocity in the swarm: regular preferred-neighbor reselection and
// optimistic-unchoke rotation (spec.md §4.5).
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/prxssh/filemesh/internal/config"
	"github.com/prxssh/filemesh/internal/neighbor"
	"github.com/prxssh/filemesh/internal/store"
)

// EventLogger receives the two scheduler-driven log events.
type EventLogger interface {
	PreferredNeighbors(peerIDs []int)
	OptimisticallyUnchoked(peerID int)
}

// Scheduler owns the regular and optimistic unchoke tickers.
type Scheduler struct {
	cfg      config.Common
	registry *neighbor.Registry
	store    *store.Store
	log      EventLogger

	optimisticID int // current optimistic neighbor's peer id, or -1
}

// New builds a Scheduler over the given registry and local store.
func New(cfg config.Common, reg *neighbor.Registry, st *store.Store, log EventLogger) *Scheduler {
	return &Scheduler{cfg: cfg, registry: reg, store: st, log: log, optimisticID: -1}
}

// Run blocks, driving both tickers until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	rechoke := time.NewTicker(time.Duration(s.cfg.UnchokeInterval) * time.Second)
	defer rechoke.Stop()

	optimistic := time.NewTicker(time.Duration(s.cfg.OptimisticInterval) * time.Second)
	defer optimistic.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rechoke.C:
			s.recalcPreferred()
		case <-optimistic.C:
			s.recalcOptimistic()
		}
	}
}

// recalcPreferred reselects the top NumberOfPreferredNeighbors interested
// neighbors, ranked by bytes exchanged in the last interval (uniformly
// shuffled instead, when the local file is already complete, since there is
// no download rate to rank by — spec.md §4.5).
func (s *Scheduler) recalcPreferred() {
	var candidates []*neighbor.Session
	rates := make(map[int]uint64)
	for _, n := range s.registry.All() {
		rates[n.PeerID] = n.TakeIntervalDownload()
		if s.cfg.ClearOptimisticOnRechoke {
			n.SetOptimistic(false)
		}
		if n.PeerInterested() {
			candidates = append(candidates, n)
		}
	}
	if s.cfg.ClearOptimisticOnRechoke {
		s.optimisticID = -1
	}

	if s.store.HasAll() {
		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			return rates[candidates[i].PeerID] > rates[candidates[j].PeerID]
		})
	}

	k := s.cfg.PreferredCount
	if k > len(candidates) {
		k = len(candidates)
	}

	preferred := make(map[int]struct{}, k)
	ids := make([]int, 0, k)
	for i := 0; i < k; i++ {
		preferred[candidates[i].PeerID] = struct{}{}
		ids = append(ids, candidates[i].PeerID)
	}
	s.log.PreferredNeighbors(ids)

	for _, n := range s.registry.All() {
		_, isPreferred := preferred[n.PeerID]
		isOptimistic := !s.cfg.ClearOptimisticOnRechoke && n.PeerID == s.optimisticID

		switch {
		case isPreferred || isOptimistic:
			if n.AmChoking() {
				n.SendUnchoke()
			}
		default:
			if !n.AmChoking() {
				n.SendChoke()
			}
		}
	}
}

// recalcOptimistic picks one uniformly random choked-but-interested
// neighbor to unchoke until the next rotation. If there are no candidates,
// the previous optimistic choice (if any) is left exactly as it was — it
// is not reassigned or cleared that cycle.
func (s *Scheduler) recalcOptimistic() {
	var candidates []*neighbor.Session
	for _, n := range s.registry.All() {
		if n.PeerInterested() && n.AmChoking() {
			candidates = append(candidates, n)
		}
	}

	if len(candidates) == 0 {
		return
	}

	chosen := candidates[rand.Intn(len(candidates))]

	if prev, ok := s.registry.Get(s.optimisticID); ok && prev != chosen {
		prev.SetOptimistic(false)
	}

	s.optimisticID = chosen.PeerID
	chosen.SetOptimistic(true)
	s.log.OptimisticallyUnchoked(chosen.PeerID)
	chosen.SendUnchoke()
}
