// Package peerproc wires together a single run: configuration, the piece
// store, the neighbor registry and processor, the unchoke scheduler, the
// listener/dialer, the event log, and the termination detector. It mirrors
// the reference implementation's top-level Peer class (spec.md §2).
package peerproc

import (
	"context"
	"fmt"

	"github.com/prxssh/filemesh/internal/config"
	"github.com/prxssh/filemesh/internal/listener"
	"github.com/prxssh/filemesh/internal/logging"
	"github.com/prxssh/filemesh/internal/neighbor"
	"github.com/prxssh/filemesh/internal/scheduler"
	"github.com/prxssh/filemesh/internal/store"
	"github.com/prxssh/filemesh/internal/terminator"
)

// Peer is one fully wired run for a single configured peer id.
type Peer struct {
	id         int
	common     config.Common
	membership config.Membership

	store     *store.Store
	registry  *neighbor.Registry
	processor *neighbor.Processor
	events    *logging.Sink
	scheduler *scheduler.Scheduler
	listener  *listener.Listener
}

// New loads Common.cfg and PeerInfo.cfg, opens the piece store, and wires
// every component together for the peer identified by id. dir is the
// working directory for the backing file and the per-run log.
func New(dir string, id int, commonPath, peerInfoPath string) (*Peer, error) {
	common, err := config.ParseCommon(commonPath)
	if err != nil {
		return nil, err
	}
	membership, err := config.ParseMembership(peerInfoPath)
	if err != nil {
		return nil, err
	}
	self, ok := membership.Find(uint32(id))
	if !ok {
		return nil, fmt.Errorf("peerproc: peer id %d not found in %s", id, peerInfoPath)
	}

	events, err := logging.Open(dir, id)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(dir, common, self.HasFile, logging.New(id))
	if err != nil {
		events.Close()
		return nil, err
	}

	registry := neighbor.NewRegistry()
	processor := neighbor.NewProcessor(st, registry, events)
	sched := scheduler.New(common, registry, st, events)
	ln := listener.New(self, membership, st, registry, processor, events, logging.New(id))

	return &Peer{
		id:         id,
		common:     common,
		membership: membership,
		store:      st,
		registry:   registry,
		processor:  processor,
		events:     events,
		scheduler:  sched,
		listener:   ln,
	}, nil
}

// Run blocks until the swarm-wide termination condition is detected or ctx
// is canceled, then tears everything down.
func (p *Peer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.store.Close()
	defer p.events.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- p.listener.Run(ctx) }()
	go func() { errCh <- p.scheduler.Run(ctx) }()

	det := terminator.New(p.store, p.registry, len(p.membership.Peers), cancel)
	go det.Run(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
