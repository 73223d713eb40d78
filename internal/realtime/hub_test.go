package realtime

import (
	"encoding/json"
	"testing"
)

func TestHubJoinLeaveRoom(t *testing.T) {
	hub := NewHub(testLogger())
	conn := newTestConn("c1")

	hub.JoinRoom("sess", conn)
	members := hub.RoomMembers("sess")
	if len(members) != 1 || members[0].ClientID != "c1" {
		t.Fatalf("expected c1 in room, got %+v", members)
	}
	if conn.SessionID() != "sess" {
		t.Errorf("expected conn.SessionID() == sess, got %q", conn.SessionID())
	}

	hub.LeaveRoom("sess", "c1")
	if len(hub.RoomMembers("sess")) != 0 {
		t.Error("expected room empty after leave")
	}
}

func TestHubBroadcastExcludesSender(t *testing.T) {
	hub := NewHub(testLogger())
	connA := newTestConn("a")
	connB := newTestConn("b")
	hub.JoinRoom("sess", connA)
	hub.JoinRoom("sess", connB)

	hub.BroadcastToRoom("sess", "ping", map[string]string{"x": "y"}, "a")

	select {
	case <-connA.send:
		t.Fatal("sender must not receive its own excluded broadcast")
	default:
	}

	select {
	case <-connB.send:
	default:
		t.Fatal("expected connB to receive the broadcast")
	}
}

func TestAuthenticatedRejectsUnknownSession(t *testing.T) {
	b, hub := newTestBroker(t)
	conn := newTestConn("c1")

	raw, _ := marshalAuth("missing-session", "")
	result := dispatch(t, hub, "ping", conn, raw)
	ack := result.(Ack)
	if ack.Success {
		t.Fatal("expected failure for unknown session")
	}
	if ack.Error != "SESSION_NOT_FOUND" {
		t.Errorf("expected SESSION_NOT_FOUND, got %q", ack.Error)
	}
	_ = b
}

func TestAuthenticatedRejectsMissingToken(t *testing.T) {
	b, hub := newTestBroker(t)
	conn := newTestConn("c1")
	ack := doJoin(t, b, conn, "sess-auth", "Alice", fingerprint(0x05))
	<-conn.send

	raw, _ := marshalAuth("sess-auth", "")
	result := dispatch(t, hub, "ping", conn, raw)
	pingAck := result.(Ack)
	if pingAck.Error != "AUTH_REQUIRED" {
		t.Errorf("expected AUTH_REQUIRED, got %q", pingAck.Error)
	}
	_ = ack
}

func TestAuthenticatedRejectsInvalidToken(t *testing.T) {
	b, hub := newTestBroker(t)
	conn := newTestConn("c1")
	doJoin(t, b, conn, "sess-auth2", "Alice", fingerprint(0x06))
	<-conn.send

	raw, _ := marshalAuth("sess-auth2", "not-the-real-token")
	result := dispatch(t, hub, "ping", conn, raw)
	pingAck := result.(Ack)
	if pingAck.Error != "INVALID_TOKEN" {
		t.Errorf("expected INVALID_TOKEN, got %q", pingAck.Error)
	}
}

func marshalAuth(sessionID, token string) ([]byte, error) {
	return json.Marshal(authEnvelope{SessionID: sessionID, SessionToken: token})
}
