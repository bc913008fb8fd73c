package neighbor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prxssh/filemesh/internal/protocol"
)

func newPipeSession(t *testing.T, h Handlers) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return New(1, server, 4, h, nil), client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSessionStartsChokedBothWays(t *testing.T) {
	s, _ := newPipeSession(t, Handlers{})
	if !s.AmChoking() || !s.PeerChoking() {
		t.Fatal("new session should start choked in both directions")
	}
	if s.AmInterested() || s.PeerInterested() {
		t.Fatal("new session should start uninterested in both directions")
	}
}

func TestSessionHandlesChokeUnchoke(t *testing.T) {
	var choked, unchoked int
	s, client := newPipeSession(t, Handlers{
		OnChoke:   func(*Session) { choked++ },
		OnUnchoke: func(*Session) { unchoked++ },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	protocol.WriteMessage(client, protocol.MessageUnchoke())
	waitFor(t, func() bool { return !s.PeerChoking() })
	if unchoked != 1 {
		t.Fatalf("want 1 unchoke callback, got %d", unchoked)
	}

	protocol.WriteMessage(client, protocol.MessageChoke())
	waitFor(t, func() bool { return s.PeerChoking() })
	if choked != 1 {
		t.Fatalf("want 1 choke callback, got %d", choked)
	}
}

func TestSessionHandlesInterestedNotInterested(t *testing.T) {
	var interested, notInterested int
	s, client := newPipeSession(t, Handlers{
		OnInterested:    func(*Session) { interested++ },
		OnNotInterested: func(*Session) { notInterested++ },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	protocol.WriteMessage(client, protocol.MessageInterested())
	waitFor(t, func() bool { return s.PeerInterested() })

	protocol.WriteMessage(client, protocol.MessageNotInterested())
	waitFor(t, func() bool { return !s.PeerInterested() })

	if interested != 1 || notInterested != 1 {
		t.Fatalf("want 1 each, got interested=%d notInterested=%d", interested, notInterested)
	}
}

func TestSessionHaveUpdatesBitmap(t *testing.T) {
	var haveIdx = -1
	s, client := newPipeSession(t, Handlers{
		OnHave: func(_ *Session, index int) { haveIdx = index },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	protocol.WriteMessage(client, protocol.MessageHave(2))
	waitFor(t, func() bool { return s.Bitmap().Has(2) })

	if haveIdx != 2 {
		t.Fatalf("want OnHave(2), got %d", haveIdx)
	}
}

func TestSessionPieceAccumulatesIntervalDownload(t *testing.T) {
	s, client := newPipeSession(t, Handlers{
		OnPiece: func(*Session, int, []byte) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	protocol.WriteMessage(client, protocol.MessagePiece(0, []byte{1, 2, 3, 4}))
	waitFor(t, func() bool { return s.TakeIntervalDownload() == 4 })
}

func TestSendChokeUpdatesLocalStateImmediately(t *testing.T) {
	s, client := newPipeSession(t, Handlers{})
	defer client.Close()

	s.SendUnchoke()
	if s.AmChoking() {
		t.Fatal("SendUnchoke should clear AmChoking immediately")
	}

	s.SendChoke()
	if !s.AmChoking() {
		t.Fatal("SendChoke should set AmChoking immediately")
	}
}
