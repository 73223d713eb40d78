package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/cryptorelay/internal/apperror"
	"github.com/kenneth/cryptorelay/internal/audit"
	"github.com/kenneth/cryptorelay/internal/metrics"
	"github.com/kenneth/cryptorelay/internal/session"
	"github.com/kenneth/cryptorelay/internal/store"
)

const defaultPageSize = 5

// Broker wires the Hub's event dispatch to the Session Manager and Chunk
// Store, turning inbound frames into store operations and outbound fan-out
// per spec.md §4.3's event table.
type Broker struct {
	hub       *Hub
	sessions  *session.Manager
	store     *store.Store
	audit     audit.Logger
	backplane Backplane
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	pageSize  int
	maxPinned int
}

// NewBroker wires a Broker and registers its handlers on hub.
func NewBroker(hub *Hub, sessions *session.Manager, st *store.Store, auditLogger audit.Logger, backplane Backplane, maxPinnedItemsPerSession int, logger *logrus.Logger) *Broker {
	if backplane == nil {
		backplane = LocalBackplane{}
	}
	b := &Broker{
		hub:       hub,
		sessions:  sessions,
		store:     st,
		audit:     auditLogger,
		backplane: backplane,
		logger:    logger,
		pageSize:  defaultPageSize,
		maxPinned: maxPinnedItemsPerSession,
	}

	hub.OnEvent("join", b.handleJoin)
	hub.OnEvent("leave", b.authenticated(b.handleLeave))
	hub.OnEvent("content", b.authenticated(b.handleContent))
	hub.OnEvent("chunk", b.authenticated(b.handleChunk))
	hub.OnEvent("remove-content", b.authenticated(b.handleRemoveContent))
	hub.OnEvent("pin-content", b.authenticated(b.handlePinContent(true)))
	hub.OnEvent("unpin-content", b.authenticated(b.handlePinContent(false)))
	hub.OnEvent("list-content", b.authenticated(b.handleListContent))
	hub.OnEvent("ping", b.authenticated(b.handlePing))
	hub.OnDisconnect(b.handleDisconnect)

	backplane.Subscribe(b.relayRemoteEvent)

	return b
}

// SetMetrics attaches a metrics recorder. Optional: a Broker with no
// recorder attached simply skips instrumentation.
func (b *Broker) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

func (b *Broker) recordEvent(event string, start time.Time, err error) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordEvent(context.Background(), event, time.Since(start), err)
}

func errAck(err error) Ack {
	return Ack{Success: false, Error: string(apperror.KindOf(err))}
}

// relayRemoteEvent delivers an event published by a sibling instance to this
// instance's locally-connected room members.
func (b *Broker) relayRemoteEvent(sessionID, event string, payload json.RawMessage) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return
	}
	for _, conn := range b.hub.RoomMembers(sessionID) {
		conn.Emit(event, decoded)
	}
}

// broadcast fans out locally and publishes to the backplane for sibling
// instances.
func (b *Broker) broadcast(sessionID, event string, payload any, excludeClientID string) {
	b.hub.BroadcastToRoom(sessionID, event, payload, excludeClientID)
	if err := b.backplane.Publish(context.Background(), sessionID, event, payload); err != nil {
		b.logger.WithError(err).WithField("session_id", sessionID).Warn("backplane publish failed")
	}
}

// authenticated wraps a handler with the pre-dispatch auth check spec.md
// §4.3 requires for every event but join/disconnect: sessionId and
// sessionToken are read from each event's own payload (not from state kept
// on the connection), and the token is validated against the Session Manager
// for this connection's clientId.
func (b *Broker) authenticated(next func(conn *Conn, sessionID string, raw json.RawMessage) (any, error)) EventHandler {
	return func(conn *Conn, raw json.RawMessage) (any, error) {
		sessionID, token, ok := extractAuth(raw)
		if !ok {
			return errAck(apperror.New(apperror.KindBadRequest, "missing sessionId")), nil
		}
		if b.sessions.GetSession(sessionID) == nil {
			return errAck(apperror.New(apperror.KindSessionNotFound, "session not found")), nil
		}
		if token == "" {
			return errAck(apperror.New(apperror.KindAuthRequired, "sessionToken required")), nil
		}
		if !b.sessions.ValidateToken(sessionID, conn.ClientID, token) {
			return errAck(apperror.New(apperror.KindInvalidToken, "invalid session token")), nil
		}
		return next(conn, sessionID, raw)
	}
}

// authEnvelope captures the two fields every authenticated event must carry,
// regardless of its specific payload shape.
type authEnvelope struct {
	SessionID    string `json:"sessionId"`
	SessionToken string `json:"sessionToken"`
}

func extractAuth(raw json.RawMessage) (sessionID, token string, ok bool) {
	var env authEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", "", false
	}
	if env.SessionID == "" {
		return "", "", false
	}
	return env.SessionID, env.SessionToken, true
}

func (b *Broker) handleJoin(conn *Conn, raw json.RawMessage) (any, error) {
	start := time.Now()
	var req JoinRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return JoinAck{Success: false, Error: string(apperror.KindBadRequest)}, nil
	}

	result, err := b.sessions.Join(req.SessionID, req.Fingerprint, conn.ClientID, req.ClientName, conn)
	b.audit.LogJoin(req.SessionID, conn.ClientID, err == nil, err, time.Since(start))
	defer b.recordEvent("join", start, err)
	if err != nil {
		return JoinAck{Success: false, Error: string(apperror.KindOf(err))}, nil
	}

	b.hub.JoinRoom(req.SessionID, conn)

	members := make([]MemberInfo, 0, len(result.Members))
	for _, m := range result.Members {
		members = append(members, MemberInfo{ID: m.ClientID, Name: m.ClientName, JoinedAt: m.ConnectedAt})
	}

	b.sendBackfill(conn, req.SessionID, req.CachedContentIDs)
	b.broadcast(req.SessionID, "client-joined", ClientJoinedBroadcast{ClientID: conn.ClientID, ClientName: req.ClientName}, conn.ClientID)

	return JoinAck{Success: true, Token: result.Token, Clients: members}, nil
}

// sendBackfill implements the join back-fill sequence of spec.md §4.3.
func (b *Broker) sendBackfill(conn *Conn, sessionID string, cached []string) {
	all, err := b.store.ListContent(sessionID, 0)
	if err != nil {
		b.logger.WithError(err).WithField("session_id", sessionID).Error("list content for backfill")
		return
	}
	totalCount := len(all)

	cachedSet := make(map[string]bool, len(cached))
	for _, id := range cached {
		cachedSet[id] = true
	}

	page := all
	if len(page) > b.pageSize {
		page = page[:b.pageSize]
	}

	for _, meta := range page {
		if cachedSet[meta.ContentID] {
			continue
		}
		b.emitContentBackfill(conn, meta)
	}

	conn.Emit("content-pagination-info", ContentPaginationInfo{
		TotalCount:  totalCount,
		CurrentPage: 1,
		PageSize:    b.pageSize,
		HasMore:     totalCount > len(page),
	})
}

func (b *Broker) emitContentBackfill(conn *Conn, meta store.ContentMeta) {
	conn.Emit("content", ContentBroadcast{
		SessionID: meta.SessionID,
		Content: ContentData{
			ContentID:   meta.ContentID,
			ContentType: meta.ContentType,
			Timestamp:   meta.CreatedAt,
			Metadata:    meta.AdditionalMetadata,
			IsChunked:   meta.TotalChunks > 1,
			IsLargeFile: meta.IsLargeFile,
			TotalChunks: meta.TotalChunks,
			TotalSize:   meta.TotalSize,
		},
	})
	if meta.IsLargeFile {
		return
	}
	for i := 0; i < meta.TotalChunks; i++ {
		data, chunkMeta, err := b.store.GetChunk(meta.ContentID, i)
		if err != nil {
			b.logger.WithError(err).WithField("content_id", meta.ContentID).Warn("backfill chunk read failed")
			return
		}
		conn.Emit("chunk", ChunkBroadcast{
			SessionID: meta.SessionID,
			Chunk: ChunkData{
				ContentID:     meta.ContentID,
				ChunkIndex:    i,
				TotalChunks:   meta.TotalChunks,
				EncryptedData: data,
				IV:            chunkMeta.IV,
			},
		})
	}
}

func (b *Broker) handleLeave(conn *Conn, sessionID string, raw json.RawMessage) (any, error) {
	start := time.Now()
	var req LeaveRequest
	json.Unmarshal(raw, &req)

	b.sessions.RemoveClient(sessionID, conn.ClientID)
	b.hub.LeaveRoom(sessionID, conn.ClientID)
	b.audit.LogLeave(sessionID, conn.ClientID, req.CleanupContent)

	if req.CleanupContent {
		if err := b.store.CleanupAllSessionContent(sessionID); err != nil {
			b.logger.WithError(err).WithField("session_id", sessionID).Error("cleanup all session content on leave")
		}
		if b.metrics != nil {
			b.metrics.RecordEviction("session-leave", 1)
		}
	}
	defer b.recordEvent("leave", start, nil)

	b.broadcast(sessionID, "client-left", ClientLeftBroadcast{ClientID: conn.ClientID}, "")
	return Ack{Success: true}, nil
}

func (b *Broker) handleDisconnect(conn *Conn) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return
	}
	b.sessions.RemoveClient(sessionID, conn.ClientID)
	b.broadcast(sessionID, "client-left", ClientLeftBroadcast{ClientID: conn.ClientID}, "")
}

// handleContent implements large-file discrimination on publish per
// spec.md §4.3: classification is by declared totalSize and is sticky.
func (b *Broker) handleContent(conn *Conn, sessionID string, raw json.RawMessage) (any, error) {
	start := time.Now()
	var req ContentRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errAck(apperror.New(apperror.KindBadRequest, "malformed content payload")), nil
	}
	c := req.Content
	isChunked := c.IsChunked || c.TotalChunks > 1

	meta := store.ContentMeta{
		ContentID:          c.ContentID,
		SessionID:          sessionID,
		ContentType:        c.ContentType,
		TotalChunks:        c.TotalChunks,
		TotalSize:          c.TotalSize,
		EncryptionIV:       c.EncryptionMetadata.IV,
		AdditionalMetadata: c.Metadata,
	}
	if meta.TotalChunks == 0 {
		meta.TotalChunks = 1
	}

	var err error
	if isChunked {
		err = b.store.SaveContent(meta)
	} else {
		// Inline content: persist as a single chunk and mark complete
		// immediately, unless it's unusually large for something claiming
		// to be inline — then metadata only, no payload stored or forwarded.
		if err = b.store.SaveContent(meta); err == nil {
			large, _ := b.store.IsLargeFile(c.ContentID)
			if !large {
				err = b.store.SaveChunk(store.ChunkInput{
					SessionID: sessionID, ContentID: c.ContentID, ChunkIndex: 0,
					TotalChunks: 1, IV: c.EncryptionMetadata.IV, Data: req.Data,
				})
			}
		}
	}

	var large bool
	if err == nil {
		large, _ = b.store.IsLargeFile(c.ContentID)
	}
	b.audit.LogContentPublished(sessionID, conn.ClientID, c.ContentID, large, err == nil, err)
	b.recordEvent("content", start, err)
	if b.metrics != nil {
		b.metrics.RecordChunkIO(context.Background(), "write", time.Since(start), int64(len(req.Data)), err)
	}
	if err != nil {
		return errAck(err), nil
	}

	c.IsLargeFile = large
	c.IsChunked = isChunked
	c.SenderID = conn.ClientID

	broadcastPayload := ContentBroadcast{SessionID: sessionID, Content: c}
	if !large && !isChunked {
		broadcastPayload.Data = req.Data
	}
	b.broadcast(sessionID, "content", broadcastPayload, conn.ClientID)

	return Ack{Success: true}, nil
}

// handleChunk implements per-chunk persistence and conditional fan-out.
func (b *Broker) handleChunk(conn *Conn, sessionID string, raw json.RawMessage) (any, error) {
	start := time.Now()
	var req ChunkRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errAck(apperror.New(apperror.KindBadRequest, "malformed chunk payload")), nil
	}
	ch := req.Chunk

	err := b.store.SaveChunk(store.ChunkInput{
		SessionID:   sessionID,
		ContentID:   ch.ContentID,
		ChunkIndex:  ch.ChunkIndex,
		TotalChunks: ch.TotalChunks,
		IV:          ch.IV,
		Data:        ch.EncryptedData,
	})
	b.recordEvent("chunk", start, err)
	if b.metrics != nil {
		b.metrics.RecordChunkIO(context.Background(), "write", time.Since(start), int64(len(ch.EncryptedData)), err)
	}
	if err != nil {
		return errAck(err), nil
	}

	large, _ := b.store.IsLargeFile(ch.ContentID)
	if !large {
		b.broadcast(sessionID, "chunk", ChunkBroadcast{SessionID: sessionID, Chunk: ch}, conn.ClientID)
	}

	return Ack{Success: true}, nil
}

func (b *Broker) handleRemoveContent(conn *Conn, sessionID string, raw json.RawMessage) (any, error) {
	start := time.Now()
	var req RemoveContentRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errAck(apperror.New(apperror.KindBadRequest, "malformed remove-content payload")), nil
	}

	err := b.store.RemoveContent(req.ContentID)
	b.audit.LogContentRemoved(sessionID, conn.ClientID, req.ContentID, err == nil, err)
	b.recordEvent("remove-content", start, err)
	if err == nil && b.metrics != nil {
		b.metrics.RecordEviction("manual-remove", 1)
	}
	if err != nil {
		return errAck(err), nil
	}

	// Broadcasts to peers only; the sender already knows via this ack.
	b.broadcast(sessionID, "content-removed", ContentRemovedBroadcast{
		SessionID: sessionID, ContentID: req.ContentID, RemovedBy: conn.ClientID,
	}, conn.ClientID)

	return Ack{Success: true}, nil
}

func (b *Broker) handlePinContent(pin bool) func(*Conn, string, json.RawMessage) (any, error) {
	return func(conn *Conn, sessionID string, raw json.RawMessage) (any, error) {
		start := time.Now()
		var req PinRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return errAck(apperror.New(apperror.KindBadRequest, "malformed pin payload")), nil
		}

		var err error
		if pin {
			err = b.store.PinContent(req.ContentID, b.maxPinned)
		} else {
			err = b.store.UnpinContent(req.ContentID)
		}
		b.audit.LogPinChange(sessionID, conn.ClientID, req.ContentID, pin, err == nil, err)
		event := "pin-content"
		if !pin {
			event = "unpin-content"
		}
		b.recordEvent(event, start, err)
		if err != nil {
			return errAck(err), nil
		}

		broadcastEvent := "content-unpinned"
		if pin {
			broadcastEvent = "content-pinned"
		}
		// Broadcasts to all members including the sender: pin state is
		// session-wide and the sender's own UI must react too.
		b.broadcast(sessionID, broadcastEvent, PinBroadcast{ContentID: req.ContentID}, "")

		return Ack{Success: true}, nil
	}
}

func (b *Broker) handleListContent(conn *Conn, sessionID string, raw json.RawMessage) (any, error) {
	start := time.Now()
	var req ListContentRequest
	json.Unmarshal(raw, &req)

	all, err := b.store.ListContent(sessionID, 0)
	b.recordEvent("list-content", start, err)
	if err != nil {
		return errAck(err), nil
	}

	page, hasMore := paginate(all, req.Offset, req.Limit)

	views := make([]ContentMetaView, 0, len(page))
	for _, meta := range page {
		views = append(views, ContentMetaView{
			ContentID: meta.ContentID, ContentType: meta.ContentType, MimeType: meta.MimeType,
			TotalSize: meta.TotalSize, TotalChunks: meta.TotalChunks,
			IsLargeFile: meta.IsLargeFile, IsPinned: meta.IsPinned, CreatedAt: meta.CreatedAt,
		})
		b.emitContentBackfill(conn, meta)
	}

	return ListContentAck{Success: true, Content: views, TotalCount: len(all), HasMore: hasMore}, nil
}

func (b *Broker) handlePing(conn *Conn, sessionID string, raw json.RawMessage) (any, error) {
	b.sessions.Touch(sessionID)
	return PingAck{Valid: true}, nil
}

// NewClientID mints a random connection identity. cmd/server's upgrade
// handler does not call it; it mints the id with uuid.NewString directly.
func NewClientID() string {
	return uuid.NewString()
}
