package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// Magic is the fixed 18-byte protocol identifier every handshake
	// carries verbatim.
	Magic = "P2PFILESHARINGPROJ"

	reservedN    = 10
	handshakeLen = len(Magic) + reservedN + 4
)

// Handshake is the fixed 32-byte wire handshake: magic, 10 zero bytes, and
// the sender's 4-byte big-endian peer identifier.
//
// Wire format:
//
//	<magic:18><reserved:10><peer_id:4>
type Handshake struct {
	PeerID uint32
}

var (
	ErrMagicMismatch  = errors.New("handshake: magic string mismatch")
	ErrShortHandshake = errors.New("handshake: short read")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// New returns a handshake advertising the local peer identifier.
func New(peerID uint32) *Handshake {
	return &Handshake{PeerID: peerID}
}

// MarshalBinary encodes the handshake into its 32-byte wire representation.
// Padding bytes are always zero.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, handshakeLen)
	copy(buf, Magic)
	binary.BigEndian.PutUint32(buf[len(Magic)+reservedN:], h.PeerID)
	return buf, nil
}

// UnmarshalBinary parses a handshake from its 32-byte wire format.
//
// Padding bytes are not validated (spec.md §4.1): any value is accepted.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < handshakeLen {
		return ErrShortHandshake
	}
	if string(b[:len(Magic)]) != Magic {
		return ErrMagicMismatch
	}

	h.PeerID = binary.BigEndian.Uint32(b[len(Magic)+reservedN:])
	return nil
}

// WriteTo implements io.WriterTo.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom. It blocks until a full 32-byte
// handshake has been read or an error occurs.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, handshakeLen)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return int64(n), ErrShortHandshake
		}
		return int64(n), err
	}
	return int64(n), h.UnmarshalBinary(buf)
}

// Read reads and decodes a handshake from r.
func Read(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// Write writes h to w in wire format.
func Write(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange performs the unconditional two-way handshake exchange required
// by spec.md §4.1: write the local handshake, then read the remote one.
//
// When wantPeerID is non-nil, the remote peer identifier is validated
// against it (the outbound-connect case); a mismatch returns an error and
// the caller must not register a session for the connection, per spec.md
// §4.1 and §4.6.
func Exchange(rw io.ReadWriter, localID uint32, wantPeerID *uint32) (Handshake, error) {
	local := New(localID)
	if _, err := local.WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	remote, err := Read(rw)
	if err != nil {
		return Handshake{}, err
	}

	if wantPeerID != nil && remote.PeerID != *wantPeerID {
		return Handshake{}, errors.New("handshake: unexpected peer identifier")
	}

	return remote, nil
}
