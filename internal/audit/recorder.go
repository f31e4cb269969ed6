package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"payguard.org/internal/ids"
	"payguard.org/internal/obs"
)

// maxBuffered bounds the in-memory retry buffer. Overflow drops the oldest
// line; the drop is logged. The buffer does not survive a process restart —
// a documented limitation, not a bug.
const maxBuffered = 1024

// Recorder serializes, signs, numbers, and appends audit records. Write never
// returns an error to the triggering business operation.
type Recorder struct {
	sink    Sink
	counter Counter
	key     []byte
	now     func() time.Time
	log     *zap.Logger

	// buffered lines awaiting a healthy sink, oldest first. Guarded by the
	// recorder's write serialization (writes go through writeLocked).
	buffer   [][]byte
	degraded bool

	writeCh chan struct{}
}

// Option configures the Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder builds a Recorder. An empty signing key means records are
// written unsigned; that degraded mode is logged once, not fatal.
func NewRecorder(sink Sink, counter Counter, signingKey string, opts ...Option) *Recorder {
	r := &Recorder{
		sink:    sink,
		counter: counter,
		now:     time.Now,
		log:     obs.Logger().Named("audit"),
		writeCh: make(chan struct{}, 1),
	}
	if signingKey != "" {
		r.key = []byte(signingKey)
	} else {
		r.degraded = true
		r.log.Warn("audit signing key not configured; records will be unsigned")
	}
	for _, opt := range opts {
		opt(r)
	}
	r.writeCh <- struct{}{}
	return r
}

// Write records one event. Failures degrade to the in-memory buffer and are
// retried opportunistically before the next successful write; they are never
// surfaced to the caller and never abort the triggering action.
func (r *Recorder) Write(ctx context.Context, ev Event) {
	// Channel-as-mutex keeps the whole allocate-sign-append sequence
	// ordered, so sequence numbers are strictly increasing per process.
	<-r.writeCh
	defer func() { r.writeCh <- struct{}{} }()

	seq, err := r.counter.Next()
	if err != nil {
		r.log.Error("audit sequence allocation failed", zap.Error(err))
		// Fall through with seq 0: the signature and timestamp remain the
		// integrity anchor.
	}

	rec := Record{
		ID:           ids.New(),
		Seq:          seq,
		ActorID:      ev.ActorID,
		ActorHumanID: ev.ActorHumanID,
		Action:       ev.Action,
		PaymentID:    ev.PaymentID,
		Details:      ev.Details,
		CreatedAt:    r.now().UTC(),
	}

	line, err := r.seal(rec)
	if err != nil {
		r.log.Error("audit record marshal failed", zap.Error(err),
			zap.String("action", string(ev.Action)))
		return
	}

	r.flushBuffer()
	if err := r.sink.Append(line); err != nil {
		r.hold(line, err)
		return
	}
}

// Flush retries any buffered lines immediately. Used at shutdown.
func (r *Recorder) Flush() {
	<-r.writeCh
	defer func() { r.writeCh <- struct{}{} }()
	r.flushBuffer()
}

// Buffered reports how many lines await retry.
func (r *Recorder) Buffered() int {
	<-r.writeCh
	defer func() { r.writeCh <- struct{}{} }()
	return len(r.buffer)
}

// seal marshals the record, computing the HMAC signature over the canonical
// unsigned payload when a key is configured.
func (r *Recorder) seal(rec Record) ([]byte, error) {
	if len(r.key) > 0 {
		unsigned, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		canonical, err := canonicalUnsigned(unsigned)
		if err != nil {
			return nil, err
		}
		rec.Signature = r.sign(canonical)
	}
	return json.Marshal(rec)
}

func (r *Recorder) sign(payload []byte) string {
	mac := hmac.New(sha256.New, r.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyLine recomputes the signature of a serialized record. Returns false
// for unsigned records when a key is configured.
func (r *Recorder) VerifyLine(line []byte) bool {
	if len(r.key) == 0 {
		return false
	}
	var envelope struct {
		Signature string `json:"sig"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return false
	}
	sig := envelope.Signature
	if sig == "" {
		return false
	}
	unsigned, err := canonicalUnsigned(line)
	if err != nil {
		return false
	}
	expected := r.sign(unsigned)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

// canonicalUnsigned strips the sig field from a serialized record and
// re-marshals with Go's deterministic map-key ordering, matching seal.
func canonicalUnsigned(line []byte) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, err
	}
	delete(m, "sig")
	return json.Marshal(m)
}

func (r *Recorder) hold(line []byte, cause error) {
	if len(r.buffer) >= maxBuffered {
		r.buffer = r.buffer[1:]
		r.log.Error("audit buffer overflow; dropping oldest record")
	}
	r.buffer = append(r.buffer, line)
	obs.SetAuditBufferDepth(len(r.buffer))
	r.log.Error("audit append failed; record buffered",
		zap.Error(cause), zap.Int("buffered", len(r.buffer)))
}

func (r *Recorder) flushBuffer() {
	for len(r.buffer) > 0 {
		if err := r.sink.Append(r.buffer[0]); err != nil {
			return
		}
		r.buffer = r.buffer[1:]
	}
	obs.SetAuditBufferDepth(0)
}
