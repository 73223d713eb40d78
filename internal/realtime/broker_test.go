package realtime

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/cryptorelay/internal/audit"
	"github.com/kenneth/cryptorelay/internal/session"
	"github.com/kenneth/cryptorelay/internal/store"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestBroker(t *testing.T) (*Broker, *Hub) {
	t.Helper()
	st, err := store.Open(store.Options{StorageRoot: t.TempDir(), LargeFileThreshold: 1024 * 1024 * 10})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := NewHub(testLogger())
	sessions := session.NewManager()
	auditLogger := audit.NewLogger(100, nil)
	b := NewBroker(hub, sessions, st, auditLogger, LocalBackplane{}, 50, testLogger())
	return b, hub
}

// dispatch invokes the registered (authenticated) handler for event
// directly, bypassing the websocket framing — the handler map is the same
// one the Hub dispatches through in production.
func dispatch(t *testing.T, hub *Hub, event string, conn *Conn, raw json.RawMessage) any {
	t.Helper()
	hub.handlersMu.RLock()
	handler, ok := hub.handlers[event]
	hub.handlersMu.RUnlock()
	if !ok {
		t.Fatalf("no handler registered for event %q", event)
	}
	ack, err := handler(conn, raw)
	if err != nil {
		t.Fatalf("unexpected handler error for %q: %v", event, err)
	}
	return ack
}

func newTestConn(clientID string) *Conn {
	return &Conn{ClientID: clientID, send: make(chan []byte, 32), logger: testLogger()}
}

func drainEmit(t *testing.T, conn *Conn) Envelope {
	t.Helper()
	select {
	case raw := <-conn.send:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal emitted envelope: %v", err)
		}
		return env
	default:
		t.Fatal("expected an emitted envelope, got none")
		return Envelope{}
	}
}

func fingerprint(b byte) []byte {
	fp := make([]byte, 16)
	for i := range fp {
		fp[i] = b
	}
	return fp
}

func doJoin(t *testing.T, b *Broker, conn *Conn, sessionID, clientName string, fp []byte) JoinAck {
	t.Helper()
	req := JoinRequest{SessionID: sessionID, ClientName: clientName, Fingerprint: fp}
	raw, _ := json.Marshal(req)
	ackAny, err := b.handleJoin(conn, raw)
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return ackAny.(JoinAck)
}

func TestJoinTwoClientsTextShare(t *testing.T) {
	b, hub := newTestBroker(t)
	fp := fingerprint(0xAA)

	connA := newTestConn("clientA")
	ackA := doJoin(t, b, connA, "sess-1", "Alice", fp)
	if !ackA.Success {
		t.Fatalf("expected A to join successfully, got %+v", ackA)
	}
	<-connA.send // content-pagination-info from backfill

	connB := newTestConn("clientB")
	ackB := doJoin(t, b, connB, "sess-1", "Bob", fp)
	if !ackB.Success {
		t.Fatalf("expected B to join successfully, got %+v", ackB)
	}
	<-connB.send // content-pagination-info

	// A should have been notified of B's arrival.
	env := drainEmit(t, connA)
	if env.Event != "client-joined" {
		t.Errorf("expected client-joined broadcast to A, got %q", env.Event)
	}

	authEnv := authEnvelope{SessionID: "sess-1", SessionToken: ackA.Token}
	contentReq := struct {
		authEnvelope
		Content ContentData `json:"content"`
		Data    []byte      `json:"data"`
	}{
		authEnvelope: authEnv,
		Content: ContentData{
			ContentID: "c1", ContentType: "text", TotalSize: 5, TotalChunks: 1,
		},
		Data: []byte("hello"),
	}
	raw, _ := json.Marshal(contentReq)

	ack := dispatch(t, hub, "content", connA, raw)
	if !ack.(Ack).Success {
		t.Fatalf("expected content publish to succeed, got %+v", ack)
	}

	env = drainEmit(t, connB)
	if env.Event != "content" {
		t.Fatalf("expected content broadcast to B, got %q", env.Event)
	}

	items, err := b.store.ListContent("sess-1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || !items[0].IsComplete {
		t.Fatalf("expected one complete item, got %+v", items)
	}
}

func TestJoinFingerprintMismatchRejected(t *testing.T) {
	b, hub := newTestBroker(t)
	_ = hub

	connA := newTestConn("clientA")
	ackA := doJoin(t, b, connA, "sess-2", "Alice", fingerprint(0x01))
	if !ackA.Success {
		t.Fatalf("expected A to join, got %+v", ackA)
	}
	<-connA.send

	connB := newTestConn("clientB")
	ackB := doJoin(t, b, connB, "sess-2", "Bob", fingerprint(0x02))
	if ackB.Success {
		t.Fatal("expected B's join to fail on fingerprint mismatch")
	}
	if ackB.Error != "INVALID_PASSPHRASE" {
		t.Errorf("expected INVALID_PASSPHRASE, got %q", ackB.Error)
	}

	// A must not have been notified.
	select {
	case env := <-connA.send:
		t.Fatalf("expected no broadcast to A, got %+v", env)
	default:
	}
}

func TestPinBroadcastsToSenderToo(t *testing.T) {
	b, hub := newTestBroker(t)
	fp := fingerprint(0x10)
	conn := newTestConn("clientA")
	ack := doJoin(t, b, conn, "sess-pin", "Alice", fp)
	<-conn.send

	if err := b.store.SaveContent(store.ContentMeta{ContentID: "p1", SessionID: "sess-pin", TotalChunks: 1, TotalSize: 1, IsComplete: true}); err != nil {
		t.Fatal(err)
	}

	pinReq, _ := json.Marshal(struct {
		authEnvelope
		ContentID string `json:"contentId"`
	}{authEnvelope{SessionID: "sess-pin", SessionToken: ack.Token}, "p1"})

	result := dispatch(t, hub, "pin-content", conn, pinReq)
	if !result.(Ack).Success {
		t.Fatalf("expected pin to succeed, got %+v", result)
	}

	env := drainEmit(t, conn)
	if env.Event != "content-pinned" {
		t.Fatalf("expected content-pinned broadcast to sender, got %q", env.Event)
	}
}
