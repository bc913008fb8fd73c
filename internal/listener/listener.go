// Package listener runs the two halves of connection establishment: the
// accept loop for inbound neighbors and the dialer loop that connects
// outbound to every predecessor in the membership list (spec.md §4.6).
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prxssh/filemesh/internal/config"
	"github.com/prxssh/filemesh/internal/logging"
	"github.com/prxssh/filemesh/internal/neighbor"
	"github.com/prxssh/filemesh/internal/protocol"
	"github.com/prxssh/filemesh/internal/store"
	"golang.org/x/sync/errgroup"
)

const dialTimeout = 10 * time.Second

// Listener owns the listening socket and the set of outbound dials this
// peer is responsible for.
type Listener struct {
	self       config.PeerInfo
	membership config.Membership
	store      *store.Store
	registry   *neighbor.Registry
	processor  *neighbor.Processor
	events     *logging.Sink
	log        *slog.Logger
}

// New builds a Listener for the local peer.
func New(self config.PeerInfo, membership config.Membership, st *store.Store, reg *neighbor.Registry, proc *neighbor.Processor, events *logging.Sink, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		self:       self,
		membership: membership,
		store:      st,
		registry:   reg,
		processor:  proc,
		events:     events,
		log:        log.With("component", "listener"),
	}
}

// Run accepts inbound connections and dials every predecessor concurrently,
// blocking until ctx is canceled or one side fails irrecoverably.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.self.Port))
	if err != nil {
		return fmt.Errorf("listener: listen on port %d: %w", l.self.Port, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.acceptLoop(gctx, ln) })
	g.Go(func() error { return l.dialLoop(gctx) })

	<-gctx.Done()
	ln.Close()

	return g.Wait()
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		go l.acceptOne(ctx, conn)
	}
}

func (l *Listener) acceptOne(ctx context.Context, conn net.Conn) {
	remote, err := protocol.Exchange(conn, uint32(l.self.PeerID), nil)
	if err != nil {
		l.log.Warn("inbound handshake failed", "error", err)
		conn.Close()
		return
	}

	l.events.TCPConnected(int(remote.PeerID))
	l.log.Info("connection accepted", "peer", remote.PeerID)
	l.runSession(ctx, int(remote.PeerID), conn)
}

func (l *Listener) dialLoop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range l.membership.Predecessors(uint32(l.self.PeerID)) {
		p := p
		g.Go(func() error { return l.dialOne(gctx, p) })
	}
	return g.Wait()
}

// dialOne makes a single outbound attempt at target. A failure at either the
// TCP or handshake stage is logged and swallowed rather than returned: per
// spec.md §4.6 a connection failure on an outbound attempt does not abort
// startup, and per spec.md §7 there is no retry of a failed outbound
// connection.
func (l *Listener) dialOne(ctx context.Context, target config.PeerInfo) error {
	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil // shutting down, not a real dial failure
		}
		l.log.Warn("outbound dial failed", "peer", target.PeerID, "error", err)
		return nil
	}

	wantID := uint32(target.PeerID)
	if _, err := protocol.Exchange(conn, uint32(l.self.PeerID), &wantID); err != nil {
		conn.Close()
		l.log.Warn("outbound handshake failed", "peer", target.PeerID, "error", err)
		return nil
	}

	l.events.TCPConnect(target.PeerID)
	l.log.Info("connection made", "peer", target.PeerID)
	l.runSession(ctx, target.PeerID, conn)
	return nil
}

// runSession registers the session, sends the local bitmap, and blocks
// until the connection ends, deregistering on exit.
func (l *Listener) runSession(ctx context.Context, peerID int, conn net.Conn) {
	h := l.processor.Handlers()
	h.OnDisconnect = func(sess *neighbor.Session) { l.registry.Remove(peerID, sess) }

	s := neighbor.New(peerID, conn, l.store.NumPieces(), h, l.log)

	if old := l.registry.Add(s); old != nil {
		old.Close()
	}

	s.SendBitfield(l.store.EncodeBitmap())

	if err := s.Run(ctx); err != nil {
		l.log.Debug("session ended", "peer", peerID, "error", err)
	}
}
