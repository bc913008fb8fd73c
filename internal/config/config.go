// Package config loads the two plain-text configuration files that govern a
// run: the common parameters shared by every peer, and the static membership
// list that defines the swarm.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prxssh/filemesh/pkg/pieceutil"
)

// Common holds the parameters shared by every peer in the swarm, as read
// from Common.cfg.
type Common struct {
	PreferredCount           int
	UnchokeInterval          int // seconds
	OptimisticInterval       int // seconds
	FileName                 string
	FileSize                 int64
	PieceSize                int64
	ClearOptimisticOnRechoke bool
}

// NumPieces returns the number of pieces the file is split into, rounding up.
func (c Common) NumPieces() int {
	return pieceutil.PieceCount(c.FileSize, int32(c.PieceSize))
}

// PieceLength returns the byte length of piece index i, honoring the
// (possibly shorter) final piece.
func (c Common) PieceLength(index int) int64 {
	n, err := pieceutil.PieceLengthAt(index, c.FileSize, int32(c.PieceSize))
	if err != nil {
		return 0
	}
	return int64(n)
}

// PeerInfo is one line of PeerInfo.cfg: identity, address, and whether that
// peer starts with the complete file.
type PeerInfo struct {
	PeerID  uint32
	Host    string
	Port    int
	HasFile bool
}

// Membership is the ordered peer list. Order defines the predecessor
// relation used by the dialer (§4.6): a peer only dials peers that appear
// before it in this slice.
type Membership struct {
	Peers []PeerInfo
}

// Find returns the record for id, or false if absent.
func (m Membership) Find(id uint32) (PeerInfo, bool) {
	for _, p := range m.Peers {
		if p.PeerID == id {
			return p, true
		}
	}
	return PeerInfo{}, false
}

// Predecessors returns every membership entry appearing before id in
// configuration order.
func (m Membership) Predecessors(id uint32) []PeerInfo {
	var out []PeerInfo
	for _, p := range m.Peers {
		if p.PeerID == id {
			break
		}
		out = append(out, p)
	}
	return out
}

// ParseCommon reads Common.cfg-formatted key/value lines from path.
func ParseCommon(path string) (Common, error) {
	f, err := os.Open(path)
	if err != nil {
		return Common{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var c Common
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key, value := fields[0], fields[1]

		switch key {
		case "NumberOfPreferredNeighbors":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Common{}, fmt.Errorf("config: %s: %w", key, err)
			}
			c.PreferredCount = n
		case "UnchokingInterval":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Common{}, fmt.Errorf("config: %s: %w", key, err)
			}
			c.UnchokeInterval = n
		case "OptimisticUnchokingInterval":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Common{}, fmt.Errorf("config: %s: %w", key, err)
			}
			c.OptimisticInterval = n
		case "FileName":
			c.FileName = value
		case "FileSize":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Common{}, fmt.Errorf("config: %s: %w", key, err)
			}
			c.FileSize = n
		case "PieceSize":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Common{}, fmt.Errorf("config: %s: %w", key, err)
			}
			c.PieceSize = n
		case "ClearOptimisticOnRechoke":
			c.ClearOptimisticOnRechoke = value == "1"
		}
	}
	if err := scanner.Err(); err != nil {
		return Common{}, fmt.Errorf("config: scan %s: %w", path, err)
	}
	if c.FileName == "" {
		return Common{}, fmt.Errorf("config: %s missing FileName", path)
	}

	return c, nil
}

// ParseMembership reads PeerInfo.cfg-formatted lines: peer_id host port
// has_file, one peer per line, in connection-initiation order.
func ParseMembership(path string) (Membership, error) {
	f, err := os.Open(path)
	if err != nil {
		return Membership{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var m Membership
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return Membership{}, fmt.Errorf("config: malformed peer line %q", scanner.Text())
		}

		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return Membership{}, fmt.Errorf("config: bad peer id %q: %w", fields[0], err)
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return Membership{}, fmt.Errorf("config: bad port %q: %w", fields[2], err)
		}

		m.Peers = append(m.Peers, PeerInfo{
			PeerID:  uint32(id),
			Host:    fields[1],
			Port:    port,
			HasFile: fields[3] == "1",
		})
	}
	if err := scanner.Err(); err != nil {
		return Membership{}, fmt.Errorf("config: scan %s: %w", path, err)
	}

	return m, nil
}
