// Package download implements the streaming download endpoint: a single
// HTTP route that serves a content item's reassembled bytes, with optional
// HTTP Range support, authenticated by a bearer session token.
package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/cryptorelay/internal/apperror"
	"github.com/kenneth/cryptorelay/internal/metrics"
	"github.com/kenneth/cryptorelay/internal/session"
	"github.com/kenneth/cryptorelay/internal/store"
)

// Store is the subset of *store.Store the handler depends on.
type Store interface {
	GetContentMeta(contentID string) (store.ContentMeta, error)
	StreamContentForDownload(contentID string, startChunk int, onChunk store.OnChunkFunc) error
}

// Sessions is the subset of *session.Manager the handler depends on.
type Sessions interface {
	ValidateToken(sessionID, clientID, token string) bool
}

// Handler serves GET /download/{contentId}.
type Handler struct {
	store    Store
	sessions Sessions
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// NewHandler wires a download Handler.
func NewHandler(st Store, sessions Sessions, logger *logrus.Logger) *Handler {
	return &Handler{store: st, sessions: sessions, logger: logger}
}

// SetMetrics attaches a metrics recorder. Optional: a Handler with no
// recorder attached skips instrumentation.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// Register mounts the handler on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/download/{contentId}", h.ServeHTTP).Methods(http.MethodGet)
}

// bearerCredentials holds the (clientId, token) pair extracted from either
// the Authorization header or a signed query parameter.
type bearerCredentials struct {
	clientID string
	token    string
}

func extractCredentials(r *http.Request) (bearerCredentials, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			return bearerCredentials{}, false
		}
		return parseBearerValue(auth[len(prefix):])
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return parseBearerValue(q)
	}
	return bearerCredentials{}, false
}

// parseBearerValue expects "<clientId>:<token>" — the session token alone
// doesn't identify which client presented it, and ValidateToken is keyed by
// (sessionId, clientId, token).
func parseBearerValue(value string) (bearerCredentials, bool) {
	idx := strings.IndexByte(value, ':')
	if idx <= 0 || idx == len(value)-1 {
		return bearerCredentials{}, false
	}
	return bearerCredentials{clientID: value[:idx], token: value[idx+1:]}, true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	contentID := mux.Vars(r)["contentId"]
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = rec
	defer func() {
		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rec.status, time.Since(start), rec.bytesWritten)
		}
	}()

	meta, err := h.store.GetContentMeta(contentID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !meta.IsComplete {
		http.Error(w, "content not found", http.StatusNotFound)
		return
	}

	creds, ok := extractCredentials(r)
	if !ok || !h.sessions.ValidateToken(meta.SessionID, creds.clientID, creds.token) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if h.metrics != nil {
		h.metrics.IncrementActiveDownloadStreams()
		defer h.metrics.DecrementActiveDownloadStreams()
	}

	fileName := extractFileName(meta.AdditionalMetadata)
	if fileName != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	}
	if meta.MimeType != "" {
		w.Header().Set("Content-Type", meta.MimeType)
	}
	w.Header().Set("Accept-Ranges", "bytes")

	startChunk := 0
	startByte, endByte := int64(0), meta.TotalSize-1
	status := http.StatusOK

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && meta.TotalSize > 0 {
		s, e, err := ParseHTTPRangeHeader(rangeHeader, meta.TotalSize)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", meta.TotalSize))
			http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		startByte, endByte = s, e

		chunkSize := nominalChunkSize(meta)
		span, err := calculateChunkSpan(s, e, chunkSize, meta.TotalChunks)
		if err != nil {
			http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		startChunk = span.startChunk
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", startByte, endByte, meta.TotalSize))
		w.Header().Set("Content-Length", strconv.FormatInt(endByte-startByte+1, 10))
	} else if meta.TotalSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(meta.TotalSize, 10))
	}

	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	var streamed int64
	var skip int64
	if status == http.StatusPartialContent {
		chunkSize := int64(nominalChunkSize(meta))
		skip = startByte - int64(startChunk)*chunkSize
	}

	err = h.store.StreamContentForDownload(contentID, startChunk, func(data []byte, chunkMeta store.ChunkMeta) error {
		payload := data
		if skip > 0 {
			if skip >= int64(len(payload)) {
				skip -= int64(len(payload))
				return nil
			}
			payload = payload[skip:]
			skip = 0
		}
		if status == http.StatusPartialContent {
			remaining := (endByte - startByte + 1) - streamed
			if remaining <= 0 {
				return errStopStreaming
			}
			if int64(len(payload)) > remaining {
				payload = payload[:remaining]
			}
		}
		n, werr := w.Write(payload)
		streamed += int64(n)
		if flusher != nil {
			flusher.Flush()
		}
		if werr != nil {
			return werr
		}
		if status == http.StatusPartialContent && streamed >= (endByte-startByte+1) {
			return errStopStreaming
		}
		return nil
	})

	if err != nil && !errors.Is(err, errStopStreaming) {
		h.logger.WithError(err).WithField("content_id", contentID).Warn("download stream ended with error")
	}
}

// statusRecorder captures the status code and byte count written through a
// ResponseWriter, for metrics, while still exposing the underlying Flusher
// so streaming writes keep working.
type statusRecorder struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytesWritten += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// errStopStreaming is a sentinel OnChunkFunc error meaning "we have all the
// bytes we need" — StreamContentForDownload stops and returns it unchanged,
// so the handler can recognise it and treat it as success.
var errStopStreaming = errors.New("download: range satisfied, stop streaming")

// nominalChunkSize derives the uniform chunk size used to map byte ranges to
// chunk indices. Every chunk but the last is this size; the last may be
// shorter.
func nominalChunkSize(meta store.ContentMeta) int {
	if meta.TotalChunks <= 1 || meta.TotalSize <= 0 {
		return int(meta.TotalSize)
	}
	size := meta.TotalSize / int64(meta.TotalChunks)
	if meta.TotalSize%int64(meta.TotalChunks) != 0 {
		size++
	}
	return int(size)
}

func extractFileName(additionalMetadata []byte) string {
	if len(additionalMetadata) == 0 {
		return ""
	}
	var parsed struct {
		FileName string `json:"fileName"`
	}
	if err := json.Unmarshal(additionalMetadata, &parsed); err != nil {
		return ""
	}
	return parsed.FileName
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch apperror.KindOf(err) {
	case apperror.KindContentNotFound:
		http.Error(w, "content not found", http.StatusNotFound)
	case apperror.KindGone:
		http.Error(w, "content removed", http.StatusGone)
	default:
		h.logger.WithError(err).Error("download lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

var (
	_ Sessions = (*session.Manager)(nil)
	_ Store    = (*store.Store)(nil)
)
