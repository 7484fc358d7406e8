// Package audit is the decision audit pipeline: every authorization
// decision is emitted here and drained asynchronously to storage, off the
// request hot path. Emit never blocks the caller — a full queue drops the
// record and counts it, rather than slow down decisions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/storage"
)

// defaultQueueCapacity is the bound on in-flight, not-yet-persisted
// records. Sized well above steady-state throughput so bursts don't drop
// records; sustained overload degrades to sampling instead of blocking.
const defaultQueueCapacity = 10_000

// sensitiveFields lists context keys masked before an audit record's
// metadata is persisted.
var sensitiveFields = map[string]bool{
	"password":          true,
	"password_hash":     true,
	"api_key":           true,
	"api_key_encrypted": true,
	"token":             true,
}

// Record is one decision to persist.
type Record struct {
	OrganizationID string
	PrincipalID    string
	Action         string
	ResourceType   string
	ResourceID     string
	Decision       string
	Reason         string
	LatencyMs      float64
	IPAddress      string
	UserAgent      string
	Error          string
	Metadata       map[string]any
}

// Pipeline is a bounded async queue draining into storage via batched
// inserts. Workers retry nothing: a batch insert failure is logged and the
// batch is dropped, since audit records are best-effort observability, not
// a transactional ledger entangled with the decision path.
type Pipeline struct {
	pool    *pgxpool.Pool
	queue   chan Record
	workers int
	batch   int
	flush   time.Duration

	dropped atomic.Int64
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithQueueCapacity overrides the default queue bound.
func WithQueueCapacity(n int) Option {
	return func(p *Pipeline) { p.queue = make(chan Record, n) }
}

// WithWorkers sets the number of drain workers (default 2).
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithBatch sets the max records per insert batch and the max time a
// partial batch waits before flushing (defaults: 100 records, 500ms).
func WithBatch(size int, flushInterval time.Duration) Option {
	return func(p *Pipeline) { p.batch = size; p.flush = flushInterval }
}

// New builds a Pipeline and starts its drain workers. Stop must be called
// to drain remaining records on shutdown.
func New(pool *pgxpool.Pool, opts ...Option) *Pipeline {
	p := &Pipeline{
		pool:    pool,
		queue:   make(chan Record, defaultQueueCapacity),
		workers: 2,
		batch:   100,
		flush:   500 * time.Millisecond,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit enqueues rec without blocking. If the queue is full, the record is
// dropped and counted rather than slowing the decision path.
func (p *Pipeline) Emit(rec Record) {
	select {
	case p.queue <- rec:
	default:
		p.dropped.Add(1)
		log.Warn().
			Str("organizationId", rec.OrganizationID).
			Str("action", rec.Action).
			Msg("audit: queue full, dropping record")
	}
}

// Dropped reports how many records Emit has dropped on a full queue since
// startup. Records lost to a failed batch insert are logged, not counted.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

// QueueDepth reports the number of records currently queued.
func (p *Pipeline) QueueDepth() int { return len(p.queue) }

// Stop signals the workers to stop and waits for them to drain the queue
// and flush what remains.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pipeline) drain() {
	defer p.wg.Done()

	buf := make([]storage.AuditRecord, 0, p.batch)
	ticker := time.NewTicker(p.flush)
	defer ticker.Stop()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := storage.InsertAuditRecords(ctx, p.pool, buf); err != nil {
			log.Error().Err(err).Int("count", len(buf)).Msg("audit: batch insert failed, records dropped")
		}
		cancel()
		buf = buf[:0]
	}

	for {
		select {
		case rec := <-p.queue:
			buf = append(buf, toStorageRecord(rec))
			if len(buf) >= p.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.stopCh:
			for {
				select {
				case rec := <-p.queue:
					buf = append(buf, toStorageRecord(rec))
					if len(buf) >= p.batch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func toStorageRecord(rec Record) storage.AuditRecord {
	eventType := "authorization.decision"
	if rec.Error != "" {
		eventType = "authorization.error"
	}

	metadata := maskSensitiveFields(rec.Metadata)
	digest := requestDigest(rec, metadata)

	reason := rec.Reason
	if rec.Error != "" {
		reason = rec.Error
	}

	return storage.AuditRecord{
		ID:             uuid.NewString(),
		OrganizationID: rec.OrganizationID,
		EventType:      eventType,
		Actor:          rec.PrincipalID,
		ResourceType:   rec.ResourceType,
		ResourceID:     rec.ResourceID,
		Action:         rec.Action,
		Decision:       rec.Decision,
		DecisionReason: reason,
		IPAddress:      rec.IPAddress,
		UserAgent:      rec.UserAgent,
		RequestDigest:  digest,
		Timestamp:      time.Now(),
	}
}

// requestDigest computes a non-reversible fingerprint of a decision request:
// a SHA-256 hash over the fields that identify it (tenant, principal,
// action, resource, and masked context), so two audit records carry the
// same digest only if they describe the same request.
func requestDigest(rec Record, maskedMetadata map[string]any) string {
	metadataJSON, err := json.Marshal(maskedMetadata)
	if err != nil {
		metadataJSON = nil
	}

	h := sha256.New()
	for _, field := range []string{rec.OrganizationID, rec.PrincipalID, rec.Action, rec.ResourceType, rec.ResourceID} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	h.Write(metadataJSON)
	return hex.EncodeToString(h.Sum(nil))
}

func maskSensitiveFields(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	masked := make(map[string]any, len(data))
	for k, v := range data {
		if !sensitiveFields[k] {
			masked[k] = v
			continue
		}
		if s, ok := v.(string); ok && len(s) > 4 {
			masked[k] = "****" + s[len(s)-4:]
		} else {
			masked[k] = "****"
		}
	}
	return masked
}

// ExtractIP extracts the client IP from RemoteAddr, mirroring how the
// request's origin is captured for audit records.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
