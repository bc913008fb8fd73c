// Package store implements the piece store: the flat on-disk file for the
// piece being shared, the local availability bitmap, and the outstanding
// request set used to avoid requesting the same piece from two neighbors at
// once (spec.md §4.2, §5).
package store

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"

	"github.com/prxssh/filemesh/internal/config"
	"github.com/prxssh/filemesh/pkg/bitfield"
)

// Store is the single-file, whole-piece-granularity piece store for one
// peer's run. All methods are safe for concurrent use.
type Store struct {
	cfg config.Common
	log *slog.Logger

	mu       sync.Mutex
	bitmap   bitfield.Bitfield
	file     *os.File
	requests map[int]struct{} // outstanding request set R
}

// Open opens (creating if necessary) the backing file at dir/cfg.FileName,
// sized to cfg.FileSize, and initializes the store. If hasFile is true the
// bitmap starts fully set, matching a peer that begins the run already
// holding the complete file (spec.md §4.2, PeerInfo.cfg's has_file column).
func Open(dir string, cfg config.Common, hasFile bool, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "store")

	path := cfg.FileName
	if dir != "" {
		path = dir + string(os.PathSeparator) + cfg.FileName
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := f.Truncate(cfg.FileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("store: truncate %s: %w", path, err)
	}

	n := cfg.NumPieces()
	bm := bitfield.New(n)
	if hasFile {
		for i := 0; i < n; i++ {
			bm.Set(i)
		}
	}

	return &Store{
		cfg:      cfg,
		log:      log,
		bitmap:   bm,
		file:     f,
		requests: make(map[int]struct{}),
	}, nil
}

// Close releases the backing file.
func (s *Store) Close() error {
	return s.file.Close()
}

// NumPieces is the total piece count for the run.
func (s *Store) NumPieces() int { return s.cfg.NumPieces() }

// Has reports whether piece i is locally complete.
func (s *Store) Has(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap.Has(i)
}

// HasAll reports whether the local file is complete.
func (s *Store) HasAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap.HasAll(s.cfg.NumPieces())
}

// EncodeBitmap returns the bitmap payload suitable for a BITFIELD message.
func (s *Store) EncodeBitmap() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap.Bytes()
}

// DecodeBitmap parses a BITFIELD message payload into a standalone bitmap,
// for tracking a neighbor's availability. It does not touch the local store.
func DecodeBitmap(b []byte) bitfield.Bitfield {
	return bitfield.FromBytes(b)
}

// Read returns the bytes of piece i, or an error if the piece isn't held
// locally.
func (s *Store) Read(i int) ([]byte, error) {
	s.mu.Lock()
	if !s.bitmap.Has(i) {
		s.mu.Unlock()
		return nil, fmt.Errorf("store: piece %d not held", i)
	}
	s.mu.Unlock()

	length := s.cfg.PieceLength(i)
	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, int64(i)*s.cfg.PieceSize); err != nil {
		return nil, fmt.Errorf("store: read piece %d: %w", i, err)
	}
	return buf, nil
}

// Write stores the bytes of piece i, marks it held, and atomically clears
// any outstanding request for it. Returns false if the piece was already
// held (the write is then skipped — duplicate PIECE messages are possible
// when a request races a choke).
func (s *Store) Write(i int, data []byte) (bool, error) {
	want := s.cfg.PieceLength(i)
	if int64(len(data)) != want {
		s.mu.Lock()
		delete(s.requests, i)
		s.mu.Unlock()
		return false, fmt.Errorf("store: piece %d: want %d bytes, got %d", i, want, len(data))
	}

	s.mu.Lock()
	if s.bitmap.Has(i) {
		delete(s.requests, i)
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	if _, err := s.file.WriteAt(data, int64(i)*s.cfg.PieceSize); err != nil {
		s.mu.Lock()
		delete(s.requests, i)
		s.mu.Unlock()
		return false, fmt.Errorf("store: write piece %d: %w", i, err)
	}

	s.mu.Lock()
	s.bitmap.Set(i)
	delete(s.requests, i)
	s.mu.Unlock()

	return true, nil
}

// ClaimRequest picks a piece index uniformly at random from candidates that
// is neither already held nor already outstanding, adds it to the
// outstanding request set, and returns it. The second return is false when
// no candidate qualifies.
func (s *Store) ClaimRequest(candidates []int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []int
	for _, i := range candidates {
		if s.bitmap.Has(i) {
			continue
		}
		if _, requested := s.requests[i]; requested {
			continue
		}
		eligible = append(eligible, i)
	}
	if len(eligible) == 0 {
		return 0, false
	}

	pick := eligible[rand.Intn(len(eligible))]
	s.requests[pick] = struct{}{}
	return pick, true
}

// ReleaseRequest removes i from the outstanding request set, e.g. after a
// neighbor that was about to fulfill it chokes us or disconnects.
func (s *Store) ReleaseRequest(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, i)
}

// IsRequested reports whether piece i is currently outstanding.
func (s *Store) IsRequested(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.requests[i]
	return ok
}
