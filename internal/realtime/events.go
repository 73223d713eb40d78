// Package realtime implements the per-connection event broker: inbound
// WebSocket frames are dispatched to handlers that translate them into
// session and chunk store operations, then fan out results to peers in the
// same session room.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/kenneth/cryptorelay/internal/crypto"
)

// Envelope is the wire shape of every inbound frame: an event name, its
// JSON-shaped argument, and an optional ack correlation id. gorilla/websocket
// has no built-in RPC framing, so AckID stands in for a Socket.IO-style ack
// callback — the hub replies with an envelope carrying the same AckID.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	AckID string `json:"ackId,omitempty"`
}

// JoinRequest is the payload of a join event.
type JoinRequest struct {
	SessionID        string            `json:"sessionId"`
	ClientName       string            `json:"clientName"`
	Fingerprint      crypto.ByteVector `json:"fingerprint"`
	CachedContentIDs []string          `json:"cachedContentIds,omitempty"`
}

// MemberInfo describes one session member in a join ack.
type MemberInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// JoinAck is the ack callback reply to a successful or failed join.
type JoinAck struct {
	Success bool         `json:"success"`
	Token   string       `json:"token,omitempty"`
	Clients []MemberInfo `json:"clients,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// EncryptionMetadata carries the IV for a piece of content.
type EncryptionMetadata struct {
	IV crypto.ByteVector `json:"iv"`
}

// ContentData is the metadata half of a content event. The inline payload
// for small, non-chunked content travels in the enclosing event's Data field.
type ContentData struct {
	ContentID          string             `json:"contentId"`
	SenderID           string             `json:"senderId"`
	SenderName         string             `json:"senderName"`
	ContentType        string             `json:"contentType"`
	Timestamp          time.Time          `json:"timestamp"`
	Metadata           json.RawMessage    `json:"metadata,omitempty"`
	IsChunked          bool               `json:"isChunked"`
	IsLargeFile        bool               `json:"isLargeFile"`
	TotalChunks        int                `json:"totalChunks,omitempty"`
	TotalSize          int64              `json:"totalSize"`
	EncryptionMetadata EncryptionMetadata `json:"encryptionMetadata"`
}

// ContentRequest is the payload of an inbound content event. Data is a
// plain []byte, which encoding/json marshals as a base64 string — unlike
// fingerprint/iv/encryptedData, content.data keeps the standard library's
// default encoding (spec.md §6).
type ContentRequest struct {
	SessionID string      `json:"sessionId"`
	Content   ContentData `json:"content"`
	Data      []byte      `json:"data,omitempty"`
}

// ContentBroadcast is the payload of an outbound content event. It mirrors
// ContentRequest: Data is a top-level field beside content, not a field of
// ContentData (spec open question #1).
type ContentBroadcast struct {
	SessionID string      `json:"sessionId"`
	Content   ContentData `json:"content"`
	Data      []byte      `json:"data,omitempty"`
}

// ChunkData describes one chunk on the wire.
type ChunkData struct {
	ContentID     string            `json:"contentId"`
	ChunkIndex    int               `json:"chunkIndex"`
	TotalChunks   int               `json:"totalChunks"`
	EncryptedData crypto.ByteVector `json:"encryptedData"`
	IV            crypto.ByteVector `json:"iv"`
}

// ChunkRequest is the payload of an inbound chunk event.
type ChunkRequest struct {
	SessionID string    `json:"sessionId"`
	Chunk     ChunkData `json:"chunk"`
}

// ChunkBroadcast is the payload of an outbound chunk event.
type ChunkBroadcast struct {
	SessionID string    `json:"sessionId"`
	Chunk     ChunkData `json:"chunk"`
}

// Ack is the generic {success, error?} ack shape most events reply with.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RemoveContentRequest is the payload of a remove-content event.
type RemoveContentRequest struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
}

// ContentRemovedBroadcast is the payload of the content-removed broadcast.
type ContentRemovedBroadcast struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
	RemovedBy string `json:"removedBy"`
}

// PinRequest is the payload of pin-content/unpin-content events.
type PinRequest struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
}

// PinBroadcast is the payload of content-pinned/content-unpinned broadcasts.
type PinBroadcast struct {
	ContentID string `json:"contentId"`
}

// ListContentRequest is the payload of a list-content event.
type ListContentRequest struct {
	SessionID string `json:"sessionId"`
	Offset    int    `json:"offset,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ContentMetaView is the wire shape of one content item in a list-content ack.
type ContentMetaView struct {
	ContentID   string    `json:"contentId"`
	ContentType string    `json:"contentType"`
	MimeType    string    `json:"mimeType"`
	TotalSize   int64     `json:"totalSize"`
	TotalChunks int       `json:"totalChunks"`
	IsLargeFile bool      `json:"isLargeFile"`
	IsPinned    bool      `json:"isPinned"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListContentAck is the ack callback reply to list-content.
type ListContentAck struct {
	Success    bool              `json:"success"`
	Content    []ContentMetaView `json:"content,omitempty"`
	TotalCount int               `json:"totalCount"`
	HasMore    bool              `json:"hasMore"`
	Error      string            `json:"error,omitempty"`
}

// PingRequest is the payload of a ping event.
type PingRequest struct {
	SessionID string `json:"sessionId"`
}

// PingAck is the ack callback reply to ping.
type PingAck struct {
	Valid bool `json:"valid"`
}

// LeaveRequest is the payload of a leave event.
type LeaveRequest struct {
	SessionID      string `json:"sessionId"`
	CleanupContent bool   `json:"cleanupContent,omitempty"`
}

// ClientJoinedBroadcast is sent to peers when a new member joins.
type ClientJoinedBroadcast struct {
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
}

// ClientLeftBroadcast is sent to peers when a member leaves or disconnects.
type ClientLeftBroadcast struct {
	ClientID string `json:"clientId"`
}

// ContentPaginationInfo closes out the join back-fill sequence.
type ContentPaginationInfo struct {
	TotalCount  int  `json:"totalCount"`
	CurrentPage int  `json:"currentPage"`
	PageSize    int  `json:"pageSize"`
	HasMore     bool `json:"hasMore"`
}
