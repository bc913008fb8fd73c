package neighbor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prxssh/filemesh/internal/config"
	"github.com/prxssh/filemesh/internal/protocol"
	"github.com/prxssh/filemesh/internal/store"
	"github.com/prxssh/filemesh/pkg/bitfield"
)

type fakeEventLogger struct{}

func (fakeEventLogger) ReceiveHave(int, int)               {}
func (fakeEventLogger) ReceiveInterested(int)              {}
func (fakeEventLogger) ReceiveNotInterested(int)           {}
func (fakeEventLogger) Choked(int)                         {}
func (fakeEventLogger) Unchoked(int)                       {}
func (fakeEventLogger) DownloadedPiece(int, int, int)      {}
func (fakeEventLogger) DownloadComplete()                  {}
func (fakeEventLogger) FilesystemError(string, int, error) {}

func newTestProcessorStore(t *testing.T, hasAll bool) *store.Store {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Common{FileName: "f", FileSize: 8, PieceSize: 4}
	s, err := store.Open(dir, cfg, hasAll, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func readMessage(t *testing.T, conn net.Conn, timeout time.Duration) *protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	m, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	return m
}

func TestProcessorSendsInterestedOnBitfieldWithNeededPiece(t *testing.T) {
	st := newTestProcessorStore(t, false) // we have nothing, 2 pieces
	reg := NewRegistry()
	proc := NewProcessor(st, reg, fakeEventLogger{})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := New(2, server, st.NumPieces(), proc.Handlers(), nil)
	reg.Add(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	neighborBF := bitfield.New(st.NumPieces())
	neighborBF.Set(0)
	protocol.WriteMessage(client, protocol.MessageBitfield(neighborBF.Bytes()))

	m := readMessage(t, client, time.Second)
	if m.ID != protocol.Interested {
		t.Fatalf("want INTERESTED, got %s", m.ID)
	}
}

func TestProcessorRequestsOnUnchoke(t *testing.T) {
	st := newTestProcessorStore(t, false)
	reg := NewRegistry()
	proc := NewProcessor(st, reg, fakeEventLogger{})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := New(2, server, st.NumPieces(), proc.Handlers(), nil)
	reg.Add(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	neighborBF := bitfield.New(st.NumPieces())
	neighborBF.Set(0)
	protocol.WriteMessage(client, protocol.MessageBitfield(neighborBF.Bytes()))
	readMessage(t, client, time.Second) // drain INTERESTED

	protocol.WriteMessage(client, protocol.MessageUnchoke())

	m := readMessage(t, client, time.Second)
	if m.ID != protocol.Request {
		t.Fatalf("want REQUEST, got %s", m.ID)
	}
	idx, ok := m.ParseRequest()
	if !ok || idx != 0 {
		t.Fatalf("want request for piece 0, got %d ok=%v", idx, ok)
	}
	if !st.IsRequested(0) {
		t.Fatal("piece 0 should now be outstanding in the store")
	}
}

func TestProcessorRepliesToRequestWhenUnchoking(t *testing.T) {
	st := newTestProcessorStore(t, true) // we have everything
	reg := NewRegistry()
	proc := NewProcessor(st, reg, fakeEventLogger{})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := New(2, server, st.NumPieces(), proc.Handlers(), nil)
	reg.Add(s)
	s.SendUnchoke() // local decision to unchoke this neighbor

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	m := readMessage(t, client, time.Second) // the UNCHOKE queued just above
	if m.ID != protocol.Unchoke {
		t.Fatalf("want UNCHOKE, got %s", m.ID)
	}

	protocol.WriteMessage(client, protocol.MessageRequest(1))

	m = readMessage(t, client, time.Second)
	if m.ID != protocol.Piece {
		t.Fatalf("want PIECE, got %s", m.ID)
	}
	idx, data, ok := m.ParsePiece()
	if !ok || idx != 1 || len(data) != 4 {
		t.Fatalf("unexpected piece response: idx=%d len=%d ok=%v", idx, len(data), ok)
	}
}

func TestProcessorIgnoresRequestWhileChoking(t *testing.T) {
	st := newTestProcessorStore(t, true)
	reg := NewRegistry()
	proc := NewProcessor(st, reg, fakeEventLogger{})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := New(2, server, st.NumPieces(), proc.Handlers(), nil)
	reg.Add(s) // still am_choking by default

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	protocol.WriteMessage(client, protocol.MessageRequest(1))

	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := protocol.ReadMessage(client); err == nil {
		t.Fatal("expected no response while still choking the requester")
	}
}

func TestProcessorWritesPieceAndBroadcastsHave(t *testing.T) {
	st := newTestProcessorStore(t, false)
	reg := NewRegistry()
	proc := NewProcessor(st, reg, fakeEventLogger{})

	// Session that sends us the piece.
	clientA, serverA := net.Pipe()
	defer clientA.Close()
	defer serverA.Close()
	sA := New(2, serverA, st.NumPieces(), proc.Handlers(), nil)
	reg.Add(sA)

	// A second, unrelated connected neighbor that should receive HAVE.
	clientB, serverB := net.Pipe()
	defer clientB.Close()
	defer serverB.Close()
	sB := New(3, serverB, st.NumPieces(), proc.Handlers(), nil)
	reg.Add(sB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sA.Run(ctx)
	go sB.Run(ctx)

	protocol.WriteMessage(clientA, protocol.MessagePiece(0, []byte{9, 9, 9, 9}))

	m := readMessage(t, clientB, time.Second)
	if m.ID != protocol.Have {
		t.Fatalf("want HAVE broadcast to the other neighbor, got %s", m.ID)
	}
	idx, ok := m.ParseHave()
	if !ok || idx != 0 {
		t.Fatalf("want have(0), got %d", idx)
	}

	if !st.Has(0) {
		t.Fatal("store should hold piece 0 after receiving it")
	}
}
