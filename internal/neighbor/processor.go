package neighbor

import (
	"github.com/prxssh/filemesh/internal/store"
	"github.com/prxssh/filemesh/pkg/bitfield"
)

// EventLogger receives the subset of swarm events a Processor reports as it
// reacts to neighbor traffic. Implemented by internal/logging.
type EventLogger interface {
	ReceiveHave(neighbor, index int)
	ReceiveInterested(neighbor int)
	ReceiveNotInterested(neighbor int)
	Choked(neighbor int)
	Unchoked(neighbor int)
	DownloadedPiece(neighbor, index, total int)
	DownloadComplete()
	FilesystemError(op string, index int, err error)
}

// Processor is the message-driven core that reacts to every neighbor
// session's inbound frames: interest bookkeeping, piece requesting, and
// piece storage, grounded on the reference implementation's process_message
// dispatch (spec.md §4.4).
type Processor struct {
	store    *store.Store
	registry *Registry
	log      EventLogger
}

// NewProcessor builds a Processor and returns the Handlers a Session should
// be constructed with to route its events here.
func NewProcessor(st *store.Store, reg *Registry, log EventLogger) *Processor {
	return &Processor{store: st, registry: reg, log: log}
}

// Handlers returns the callback set wiring a newly created Session into this
// processor.
func (p *Processor) Handlers() Handlers {
	return Handlers{
		OnBitfield:      p.onBitfield,
		OnHave:          p.onHave,
		OnInterested:    p.onInterested,
		OnNotInterested: p.onNotInterested,
		OnChoke:         p.onChoke,
		OnUnchoke:       p.onUnchoke,
		OnRequest:       p.onRequest,
		OnPiece:         p.onPiece,
	}
}

// interestingAgainst reports whether bf holds any piece we don't.
func (p *Processor) interestingAgainst(bf bitfield.Bitfield) bool {
	for i := 0; i < p.store.NumPieces(); i++ {
		if bf.Has(i) && !p.store.Has(i) {
			return true
		}
	}
	return false
}

func (p *Processor) onBitfield(s *Session, bf bitfield.Bitfield) {
	p.updateInterest(s, bf)
}

func (p *Processor) onHave(s *Session, index int) {
	p.log.ReceiveHave(s.PeerID, index)
	if !s.AmInterested() && !p.store.Has(index) {
		s.SendInterested()
	}
}

// updateInterest sends INTERESTED/NOT_INTERESTED to reflect whether s's
// bitmap currently offers us anything we lack.
func (p *Processor) updateInterest(s *Session, bf bitfield.Bitfield) {
	if p.interestingAgainst(bf) {
		s.SendInterested()
	} else {
		s.SendNotInterested()
	}
}

// checkInterest re-evaluates whether we're still interested in s, called
// after any local piece completion since s may no longer offer anything new.
func (p *Processor) checkInterest(s *Session) {
	if !p.interestingAgainst(s.Bitmap()) && s.AmInterested() {
		s.SendNotInterested()
	}
}

func (p *Processor) onInterested(s *Session) {
	p.log.ReceiveInterested(s.PeerID)
}

func (p *Processor) onNotInterested(s *Session) {
	p.log.ReceiveNotInterested(s.PeerID)
}

func (p *Processor) onChoke(s *Session) {
	p.log.Choked(s.PeerID)
}

func (p *Processor) onUnchoke(s *Session) {
	p.log.Unchoked(s.PeerID)
	p.requestNext(s)
}

func (p *Processor) onRequest(s *Session, index int) {
	if s.AmChoking() {
		return
	}
	data, err := p.store.Read(index)
	if err != nil {
		p.log.FilesystemError("read", index, err)
		return
	}
	s.SendPiece(index, data)
	// Counted the same as download bytes for preferred-neighbor ranking: the
	// reference scheduler ranks by total bytes exchanged with a neighbor,
	// not download alone.
	s.intervalDown.Add(uint64(len(data)))
}

func (p *Processor) onPiece(s *Session, index int, data []byte) {
	wrote, err := p.store.Write(index, data)
	if err != nil {
		p.log.FilesystemError("write", index, err)
		return
	}
	if !wrote {
		return
	}

	p.log.DownloadedPiece(s.PeerID, index, ownedCount(p.store))

	p.registry.BroadcastHave(index)
	for _, n := range p.registry.All() {
		p.checkInterest(n)
	}

	if p.store.HasAll() {
		p.log.DownloadComplete()
	}

	if !s.PeerChoking() {
		p.requestNext(s)
	}
}

// requestNext asks s for one piece it has that we lack and haven't already
// requested elsewhere, mirroring request_piece's uniform-random selection
// over the candidate set.
func (p *Processor) requestNext(s *Session) {
	bf := s.Bitmap()
	var candidates []int
	for i := 0; i < p.store.NumPieces(); i++ {
		if bf.Has(i) {
			candidates = append(candidates, i)
		}
	}
	if index, ok := p.store.ClaimRequest(candidates); ok {
		s.SendRequest(index)
	}
}

func ownedCount(st *store.Store) int {
	n := 0
	for i := 0; i < st.NumPieces(); i++ {
		if st.Has(i) {
			n++
		}
	}
	return n
}
