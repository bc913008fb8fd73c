package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sink writes the exact per-run event log every peer maintains at
// log_peer_<id>.log, one line per event, timestamped
// "YYYY-MM-DD HH:MM:SS" (spec.md §6). The file is truncated at the start of
// each run.
//
// Sink implements neighbor.EventLogger and scheduler.EventLogger; the
// remaining methods, TCPConnect and TCPConnected, cover the listener/dialer's
// connection events.
type Sink struct {
	peerID int
	mu     sync.Mutex
	file   *os.File
}

// Open truncates (or creates) log_peer_<id>.log under dir and returns a Sink
// ready to receive events.
func Open(dir string, peerID int) (*Sink, error) {
	path := fmt.Sprintf("log_peer_%d.log", peerID)
	if dir != "" {
		path = dir + string(os.PathSeparator) + path
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	return &Sink{peerID: peerID, file: f}, nil
}

// Close flushes and closes the backing file.
func (s *Sink) Close() error { return s.file.Close() }

func (s *Sink) line(format string, args ...any) {
	msg := fmt.Sprintf("%s: %s", time.Now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))

	s.mu.Lock()
	fmt.Fprintln(s.file, msg)
	s.mu.Unlock()
}

// TCPConnect logs the outbound-dial side of a new connection.
func (s *Sink) TCPConnect(targetPeerID int) {
	s.line("Peer %d makes a connection to Peer %d.", s.peerID, targetPeerID)
}

// TCPConnected logs the accept side of a new connection.
func (s *Sink) TCPConnected(sourcePeerID int) {
	s.line("Peer %d is connected from Peer %d.", s.peerID, sourcePeerID)
}

// PreferredNeighbors logs a change to the preferred-neighbor set.
func (s *Sink) PreferredNeighbors(neighborIDs []int) {
	parts := make([]string, len(neighborIDs))
	for i, id := range neighborIDs {
		parts[i] = strconv.Itoa(id)
	}
	s.line("Peer %d has the preferred neighbors %s.", s.peerID, strings.Join(parts, ","))
}

// OptimisticallyUnchoked logs a change to the optimistically-unchoked neighbor.
func (s *Sink) OptimisticallyUnchoked(neighborID int) {
	s.line("Peer %d has the optimistically unchoked neighbor %d.", s.peerID, neighborID)
}

// Unchoked logs that neighborID has unchoked us.
func (s *Sink) Unchoked(neighborID int) {
	s.line("Peer %d is unchoked by %d.", s.peerID, neighborID)
}

// Choked logs that neighborID has choked us.
func (s *Sink) Choked(neighborID int) {
	s.line("Peer %d is choked by %d.", s.peerID, neighborID)
}

// ReceiveHave logs a received HAVE message.
func (s *Sink) ReceiveHave(neighborID, pieceIndex int) {
	s.line("Peer %d received the 'have' message from %d for the piece %d.", s.peerID, neighborID, pieceIndex)
}

// ReceiveInterested logs a received INTERESTED message.
func (s *Sink) ReceiveInterested(neighborID int) {
	s.line("Peer %d received the 'interested' message from %d.", s.peerID, neighborID)
}

// ReceiveNotInterested logs a received NOT_INTERESTED message.
func (s *Sink) ReceiveNotInterested(neighborID int) {
	s.line("Peer %d received the 'not interested' message from %d.", s.peerID, neighborID)
}

// DownloadedPiece logs a completed piece download.
func (s *Sink) DownloadedPiece(neighborID, pieceIndex, totalPieces int) {
	s.line("Peer %d has downloaded the piece %d from %d. Now the number of pieces it has is %d.",
		s.peerID, pieceIndex, neighborID, totalPieces)
}

// DownloadComplete logs local completion of the shared file.
func (s *Sink) DownloadComplete() {
	s.line("Peer %d has downloaded the complete file.", s.peerID)
}

// FilesystemError logs a failed piece read or write against the local store
// (spec.md §7d). op is "read" or "write".
func (s *Sink) FilesystemError(op string, pieceIndex int, err error) {
	s.line("Peer %d failed to %s piece %d: %v.", s.peerID, op, pieceIndex, err)
}
