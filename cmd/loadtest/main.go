// Command loadtest drives synthetic WebSocket clients against a running
// server to exercise the Realtime Broker's concurrency model: N workers
// join the same session and publish small text content at a target rate,
// adapted from the teacher's S3 PUT/GET load generator into a
// WebSocket-event generator.
package main

import (
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		serverURL  = flag.String("server-url", "ws://localhost:8080/ws", "server WebSocket URL")
		sessionID  = flag.String("session-id", "loadtest-session", "session id every worker joins")
		workers    = flag.Int("workers", 10, "number of synthetic clients")
		duration   = flag.Duration("duration", 30*time.Second, "test duration")
		qps        = flag.Int("qps", 5, "publishes per second per worker")
		payloadLen = flag.Int("payload-bytes", 256, "size of each published inline payload")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	fingerprint := make([]byte, 32)
	if _, err := rand.Read(fingerprint); err != nil {
		log.Fatalf("generate shared fingerprint: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-sigCh
		close(stop)
	}()

	fmt.Println("=== Realtime Broker Load Test ===")
	fmt.Printf("Server: %s\n", *serverURL)
	fmt.Printf("Session: %s\n", *sessionID)
	fmt.Printf("Workers: %d  Duration: %v  QPS/worker: %d\n", *workers, *duration, *qps)
	fmt.Println()

	var wg sync.WaitGroup
	stats := &aggregateStats{}

	deadline := time.Now().Add(*duration)
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(workerIndex int) {
			defer wg.Done()
			runWorker(workerConfig{
				serverURL:   *serverURL,
				sessionID:   *sessionID,
				fingerprint: fingerprint,
				clientName:  fmt.Sprintf("loadtest-%d", workerIndex),
				qps:         *qps,
				payloadLen:  *payloadLen,
				deadline:    deadline,
				stop:        stop,
				logger:      logger,
			}, stats)
		}(i)
	}

	wg.Wait()
	stats.Print()
}

type workerConfig struct {
	serverURL   string
	sessionID   string
	fingerprint []byte
	clientName  string
	qps         int
	payloadLen  int
	deadline    time.Time
	stop        <-chan struct{}
	logger      *logrus.Logger
}

type aggregateStats struct {
	published    int64
	acked        int64
	failed       int64
	totalLatency int64 // nanoseconds, summed
}

func (s *aggregateStats) recordPublish(latency time.Duration, ok bool) {
	atomic.AddInt64(&s.published, 1)
	atomic.AddInt64(&s.totalLatency, int64(latency))
	if ok {
		atomic.AddInt64(&s.acked, 1)
	} else {
		atomic.AddInt64(&s.failed, 1)
	}
}

func (s *aggregateStats) Print() {
	published := atomic.LoadInt64(&s.published)
	acked := atomic.LoadInt64(&s.acked)
	failed := atomic.LoadInt64(&s.failed)
	var avgLatency time.Duration
	if published > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&s.totalLatency) / published)
	}
	fmt.Println("--- Results ---")
	fmt.Printf("published: %d  acked: %d  failed: %d\n", published, acked, failed)
	fmt.Printf("avg ack latency: %v\n", avgLatency)
	if failed > 0 {
		fmt.Printf("⚠️  %d publishes failed or timed out\n", failed)
		return
	}
	fmt.Println("✅ load test complete")
}

// ackEnvelope mirrors realtime.Envelope for the subset of fields the
// load generator needs to correlate an ack back to its publish.
type ackEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	AckID string          `json:"ackId,omitempty"`
}

// toByteArray renders b the way crypto.ByteVector expects on the wire: a
// JSON array of numbers, not the standard library's base64 string.
func toByteArray(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func runWorker(cfg workerConfig, stats *aggregateStats) {
	u, err := url.Parse(cfg.serverURL)
	if err != nil {
		cfg.logger.WithError(err).Error("parse server url")
		return
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		cfg.logger.WithError(err).Error("dial server")
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()

	pending := newPendingAcks()
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var env ackEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.AckID != "" {
				pending.resolve(env.AckID, env.Data)
			}
		}
	}()

	token, ok := joinSession(conn, pending, cfg)
	if !ok {
		return
	}
	_ = token // re-sent as sessionToken with every publish below; the broker validates it per event

	interval := time.Second
	if cfg.qps > 0 {
		interval = time.Second / time.Duration(cfg.qps)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	payload := make([]byte, cfg.payloadLen)
	rand.Read(payload)

	for {
		select {
		case <-cfg.stop:
			return
		case <-ticker.C:
			if time.Now().After(cfg.deadline) {
				return
			}
			publishContent(conn, pending, cfg, clientID, token, payload, stats)
		}
	}
}

func joinSession(conn *websocket.Conn, pending *pendingAcks, cfg workerConfig) (string, bool) {
	ackID := uuid.NewString()
	req := map[string]any{
		"event": "join",
		"ackId": ackID,
		"data": map[string]any{
			"sessionId":   cfg.sessionID,
			"clientName":  cfg.clientName,
			"fingerprint": toByteArray(cfg.fingerprint),
		},
	}

	wait := pending.register(ackID)
	if err := conn.WriteJSON(req); err != nil {
		cfg.logger.WithError(err).Error("send join")
		return "", false
	}

	select {
	case raw := <-wait:
		var ack struct {
			Success bool   `json:"success"`
			Token   string `json:"token"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(raw, &ack); err != nil || !ack.Success {
			cfg.logger.WithField("error", ack.Error).Error("join rejected")
			return "", false
		}
		return ack.Token, true
	case <-time.After(10 * time.Second):
		cfg.logger.Error("join timed out")
		return "", false
	}
}

func publishContent(conn *websocket.Conn, pending *pendingAcks, cfg workerConfig, clientID, token string, payload []byte, stats *aggregateStats) {
	ackID := uuid.NewString()
	contentID := uuid.NewString()
	iv := make([]byte, 12)
	rand.Read(iv)

	req := map[string]any{
		"event": "content",
		"ackId": ackID,
		"data": map[string]any{
			"sessionId":    cfg.sessionID,
			"sessionToken": token,
			"content": map[string]any{
				"contentId":   contentID,
				"senderId":    clientID,
				"senderName":  cfg.clientName,
				"contentType": "text",
				"totalSize":   len(payload),
				"totalChunks": 1,
				"encryptionMetadata": map[string]any{
					"iv": toByteArray(iv),
				},
			},
			"data": payload,
		},
	}

	start := time.Now()
	wait := pending.register(ackID)
	if err := conn.WriteJSON(req); err != nil {
		stats.recordPublish(time.Since(start), false)
		return
	}

	select {
	case raw := <-wait:
		var ack struct {
			Success bool `json:"success"`
		}
		ok := json.Unmarshal(raw, &ack) == nil && ack.Success
		stats.recordPublish(time.Since(start), ok)
	case <-time.After(5 * time.Second):
		pending.cancel(ackID)
		stats.recordPublish(time.Since(start), false)
	}
}

// pendingAcks correlates an ackId to the goroutine awaiting its reply,
// since gorilla/websocket's single read loop per connection means every
// inbound frame — including acks — arrives on one shared reader.
type pendingAcks struct {
	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
}

func newPendingAcks() *pendingAcks {
	return &pendingAcks{waiters: make(map[string]chan json.RawMessage)}
}

func (p *pendingAcks) register(ackID string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	p.mu.Lock()
	p.waiters[ackID] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingAcks) resolve(ackID string, data json.RawMessage) {
	p.mu.Lock()
	ch, ok := p.waiters[ackID]
	if ok {
		delete(p.waiters, ackID)
	}
	p.mu.Unlock()
	if ok {
		ch <- data
	}
}

func (p *pendingAcks) cancel(ackID string) {
	p.mu.Lock()
	delete(p.waiters, ackID)
	p.mu.Unlock()
}
