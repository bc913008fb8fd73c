// Package neighbor manages per-connection state toward one swarm member: the
// choke/interest flags, the neighbor's known-piece bitmap, and the
// message-framed read/write loops over its TCP connection (spec.md §3, §4.3,
// §4.4).
package neighbor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prxssh/filemesh/internal/protocol"
	"github.com/prxssh/filemesh/pkg/bitfield"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// Handlers are the processor-side callbacks a Session invokes as frames
// arrive. Every callback runs on the session's read goroutine and must not
// block on that session's own outbox.
type Handlers struct {
	OnBitfield      func(s *Session, bf bitfield.Bitfield)
	OnHave          func(s *Session, index int)
	OnInterested    func(s *Session)
	OnNotInterested func(s *Session)
	OnChoke         func(s *Session)
	OnUnchoke       func(s *Session)
	OnRequest       func(s *Session, index int)
	OnPiece         func(s *Session, index int, data []byte)
	OnDisconnect    func(s *Session)
}

// Session is the live state for one neighbor connection.
type Session struct {
	PeerID int

	log  *slog.Logger
	conn net.Conn
	h    Handlers

	state uint32 // am_choking/am_interested/peer_choking/peer_interested bitmask

	bitmapMu sync.RWMutex
	bitmap   bitfield.Bitfield

	isOptimistic atomic.Bool
	intervalDown atomic.Uint64 // piece bytes received from or served to this neighbor since the last rechoke tick

	outbox    chan *protocol.Message
	closeOnce sync.Once
	cancel    context.CancelFunc
	stopped   atomic.Bool
}

// New wraps an already-handshaken connection. Both am_choking and
// peer_choking start true (spec.md §4.3): no piece flows until an explicit
// UNCHOKE in each direction.
func New(peerID int, conn net.Conn, numPieces int, h Handlers, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		PeerID: peerID,
		log:    log.With("neighbor", peerID),
		conn:   conn,
		h:      h,
		bitmap: bitfield.New(numPieces),
		outbox: make(chan *protocol.Message, 64),
	}
	s.setState(maskAmChoking|maskPeerChoking, true)
	return s
}

// Run drives the read and write loops until the connection fails or ctx is
// canceled.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	return g.Wait()
}

// Close tears down the connection and outbox exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		close(s.outbox)
		if s.h.OnDisconnect != nil {
			s.h.OnDisconnect(s)
		}
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m, err := protocol.ReadMessage(s.conn)
		if err != nil {
			return err
		}
		if err := s.handle(m); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if err := protocol.WriteMessage(s.conn, m); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handle(m *protocol.Message) error {
	if err := m.ValidatePayloadSize(); err != nil {
		return fmt.Errorf("neighbor %d: %w", s.PeerID, err)
	}

	switch m.ID {
	case protocol.Bitfield:
		bf := bitfield.FromBytes(m.Payload)
		s.bitmapMu.Lock()
		s.bitmap = bf
		s.bitmapMu.Unlock()
		if s.h.OnBitfield != nil {
			s.h.OnBitfield(s, bf)
		}

	case protocol.Have:
		index, ok := m.ParseHave()
		if !ok {
			return errors.New("neighbor: malformed have")
		}
		s.bitmapMu.Lock()
		s.bitmap.Set(int(index))
		s.bitmapMu.Unlock()
		if s.h.OnHave != nil {
			s.h.OnHave(s, int(index))
		}

	case protocol.Interested:
		s.setState(maskPeerInterested, true)
		if s.h.OnInterested != nil {
			s.h.OnInterested(s)
		}

	case protocol.NotInterested:
		s.setState(maskPeerInterested, false)
		if s.h.OnNotInterested != nil {
			s.h.OnNotInterested(s)
		}

	case protocol.Choke:
		s.setState(maskPeerChoking, true)
		if s.h.OnChoke != nil {
			s.h.OnChoke(s)
		}

	case protocol.Unchoke:
		s.setState(maskPeerChoking, false)
		if s.h.OnUnchoke != nil {
			s.h.OnUnchoke(s)
		}

	case protocol.Request:
		index, ok := m.ParseRequest()
		if !ok {
			return errors.New("neighbor: malformed request")
		}
		if s.h.OnRequest != nil {
			s.h.OnRequest(s, int(index))
		}

	case protocol.Piece:
		index, data, ok := m.ParsePiece()
		if !ok {
			return errors.New("neighbor: malformed piece")
		}
		s.intervalDown.Add(uint64(len(data)))
		if s.h.OnPiece != nil {
			s.h.OnPiece(s, int(index), data)
		}

	default:
		return fmt.Errorf("neighbor: unknown message id %d", m.ID)
	}

	return nil
}

// enqueue drops the message if the session has already stopped or its
// outbox is full, rather than blocking the caller.
func (s *Session) enqueue(m *protocol.Message) {
	if s.stopped.Load() {
		return
	}
	select {
	case s.outbox <- m:
	default:
		s.log.Warn("outbox full, dropping message", "type", m.ID)
	}
}

func (s *Session) SendBitfield(b []byte)  { s.enqueue(protocol.MessageBitfield(b)) }
func (s *Session) SendHave(index int)     { s.enqueue(protocol.MessageHave(uint32(index))) }
func (s *Session) SendInterested()        { s.enqueue(protocol.MessageInterested()); s.setState(maskAmInterested, true) }
func (s *Session) SendNotInterested()     { s.enqueue(protocol.MessageNotInterested()); s.setState(maskAmInterested, false) }
func (s *Session) SendRequest(index int)  { s.enqueue(protocol.MessageRequest(uint32(index))) }

// SendChoke sends CHOKE and updates local state immediately, rather than
// waiting for the write loop to drain the outbox: the scheduler's choke
// decision must be reflected in AmChoking() right away so it isn't picked
// as already-unchoked on the very next rechoke tick.
func (s *Session) SendChoke() {
	s.setState(maskAmChoking, true)
	s.enqueue(protocol.MessageChoke())
}

func (s *Session) SendUnchoke() {
	s.setState(maskAmChoking, false)
	s.enqueue(protocol.MessageUnchoke())
}

func (s *Session) SendPiece(index int, data []byte) {
	s.enqueue(protocol.MessagePiece(uint32(index), data))
}

func (s *Session) AmChoking() bool      { return s.getState(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}

// Bitmap returns a snapshot of the neighbor's last-known piece availability.
func (s *Session) Bitmap() bitfield.Bitfield {
	s.bitmapMu.RLock()
	defer s.bitmapMu.RUnlock()
	return s.bitmap.Clone()
}

// IsOptimistic reports whether this session currently holds the rotating
// optimistic-unchoke slot.
func (s *Session) IsOptimistic() bool { return s.isOptimistic.Load() }

// SetOptimistic marks or clears the optimistic slot.
func (s *Session) SetOptimistic(v bool) { s.isOptimistic.Store(v) }

// TakeIntervalDownload returns the piece bytes received from or served to
// this neighbor since the last call and resets the counter, for the scheduler's rate-based
// preferred-neighbor ranking (spec.md §4.5).
func (s *Session) TakeIntervalDownload() uint64 { return s.intervalDown.Swap(0) }
