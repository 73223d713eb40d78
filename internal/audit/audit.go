package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/cryptorelay/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeJoin represents a client joining a session.
	EventTypeJoin EventType = "join"
	// EventTypeLeave represents a client leaving a session.
	EventTypeLeave EventType = "leave"
	// EventTypeContentPublished represents new content metadata being persisted.
	EventTypeContentPublished EventType = "content_published"
	// EventTypeContentRemoved represents content being deleted.
	EventTypeContentRemoved EventType = "content_removed"
	// EventTypePin represents content being pinned or unpinned.
	EventTypePin EventType = "pin"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	SessionID string                 `json:"session_id,omitempty"`
	ClientID  string                 `json:"client_id,omitempty"`
	ContentID string                 `json:"content_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogJoin logs a session join attempt (successful or rejected).
	LogJoin(sessionID, clientID string, success bool, err error, duration time.Duration)

	// LogLeave logs a client leaving a session.
	LogLeave(sessionID, clientID string, cleanupContent bool)

	// LogContentPublished logs new content metadata being persisted.
	LogContentPublished(sessionID, clientID, contentID string, isLargeFile bool, success bool, err error)

	// LogContentRemoved logs content deletion.
	LogContentRemoved(sessionID, clientID, contentID string, success bool, err error)

	// LogPinChange logs a pin/unpin toggle.
	LogPinChange(sessionID, clientID, contentID string, pinned bool, success bool, err error)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	
	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration. Callers
// that want auditing disabled entirely should not call this at all; a
// disabled AuditConfig still produces a working in-memory logger.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Metadata = l.redactMetadata(event.Metadata)

	if l.writer != nil {
		l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata returns a copy of metadata with the values of sensitive keys
// replaced by "[REDACTED]".
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}
	
	// Check if any key needs redaction
	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	
	if !needsRedaction {
		return metadata
	}

	// Shallow copy
	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogJoin logs a session join attempt (successful or rejected).
func (l *auditLogger) LogJoin(sessionID, clientID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeJoin,
		Operation: "join",
		SessionID: sessionID,
		ClientID:  clientID,
		Success:   success,
		Duration:  duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogLeave logs a client leaving a session.
func (l *auditLogger) LogLeave(sessionID, clientID string, cleanupContent bool) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeLeave,
		Operation: "leave",
		SessionID: sessionID,
		ClientID:  clientID,
		Success:   true,
		Metadata:  map[string]interface{}{"cleanup_content": cleanupContent},
	}

	l.Log(event)
}

// LogContentPublished logs new content metadata being persisted.
func (l *auditLogger) LogContentPublished(sessionID, clientID, contentID string, isLargeFile bool, success bool, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeContentPublished,
		Operation: "content_published",
		SessionID: sessionID,
		ClientID:  clientID,
		ContentID: contentID,
		Success:   success,
		Metadata:  map[string]interface{}{"is_large_file": isLargeFile},
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogContentRemoved logs content deletion.
func (l *auditLogger) LogContentRemoved(sessionID, clientID, contentID string, success bool, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeContentRemoved,
		Operation: "content_removed",
		SessionID: sessionID,
		ClientID:  clientID,
		ContentID: contentID,
		Success:   success,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogPinChange logs a pin/unpin toggle.
func (l *auditLogger) LogPinChange(sessionID, clientID, contentID string, pinned bool, success bool, err error) {
	op := "unpin"
	if pinned {
		op = "pin"
	}
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypePin,
		Operation: op,
		SessionID: sessionID,
		ClientID:  clientID,
		ContentID: contentID,
		Success:   success,
		Metadata:  map[string]interface{}{"pinned": pinned},
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	
	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter is a default implementation that writes to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	
	// In production, you would write to a file, database, or external service
	// For now, we'll just format it (actual writing would be done by logging middleware)
	fmt.Printf("%s\n", string(data))
	return nil
}
