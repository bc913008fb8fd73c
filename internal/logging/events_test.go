package logging

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func readLog(t *testing.T, dir string, peerID int) string {
	t.Helper()
	b, err := os.ReadFile(fmt.Sprintf("%s/log_peer_%d.log", dir, peerID))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(b)
}

func TestSinkWritesExactWording(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	s.TCPConnect(2)
	s.TCPConnected(3)
	s.PreferredNeighbors([]int{2, 3, 4})
	s.OptimisticallyUnchoked(5)
	s.Unchoked(2)
	s.Choked(3)
	s.ReceiveHave(2, 7)
	s.ReceiveInterested(2)
	s.ReceiveNotInterested(3)
	s.DownloadedPiece(2, 7, 8)
	s.DownloadComplete()
	s.FilesystemError("write", 7, errors.New("disk full"))

	got := readLog(t, dir, 1)

	want := []string{
		"Peer 1 makes a connection to Peer 2.",
		"Peer 1 is connected from Peer 3.",
		"Peer 1 has the preferred neighbors 2,3,4.",
		"Peer 1 has the optimistically unchoked neighbor 5.",
		"Peer 1 is unchoked by 2.",
		"Peer 1 is choked by 3.",
		"Peer 1 received the 'have' message from 2 for the piece 7.",
		"Peer 1 received the 'interested' message from 2.",
		"Peer 1 received the 'not interested' message from 3.",
		"Peer 1 has downloaded the piece 7 from 2. Now the number of pieces it has is 8.",
		"Peer 1 has downloaded the complete file.",
		"Peer 1 failed to write piece 7: disk full.",
	}
	for _, w := range want {
		if !strings.Contains(got, w) {
			t.Fatalf("log missing line %q; full log:\n%s", w, got)
		}
	}
}

func TestOpenTruncatesOnEachRun(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, 9)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s1.DownloadComplete()
	s1.Close()

	s2, err := Open(dir, 9)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2.TCPConnect(1)
	s2.Close()

	got := readLog(t, dir, 9)
	if strings.Contains(got, "downloaded the complete file") {
		t.Fatal("expected prior run's log content to be truncated")
	}
}
