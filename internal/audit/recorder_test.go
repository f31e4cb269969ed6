package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestWriteSignsAndNumbers(t *testing.T) {
	sink := NewMemorySink()
	rec := NewRecorder(sink, NewMemoryCounter(), "audit-test-key")
	ctx := context.Background()

	rec.Write(ctx, Event{
		ActorID:      "emp-1",
		ActorHumanID: "op.one",
		Action:       ActionLogin,
		Details:      LoginDetails{Method: "password"},
	})
	rec.Write(ctx, Event{
		ActorID:      "emp-1",
		ActorHumanID: "op.one",
		Action:       ActionVerify,
		PaymentID:    "pay-1",
		Details:      VerifyDetails{Confirmed: true, SwiftMatch: true},
	})

	lines := sink.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}

	var first, second Record
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}
	if err := json.Unmarshal(lines[1], &second); err != nil {
		t.Fatalf("unmarshal second: %v", err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("sequence not strictly increasing: %d, %d", first.Seq, second.Seq)
	}
	if first.Action != ActionLogin || second.Action != ActionVerify {
		t.Fatalf("actions mismatch: %s, %s", first.Action, second.Action)
	}
	if first.Signature == "" || second.Signature == "" {
		t.Fatal("records must be signed when a key is configured")
	}
	if second.PaymentID != "pay-1" {
		t.Fatalf("payment reference lost: %q", second.PaymentID)
	}
}

func TestVerifyLineDetectsTampering(t *testing.T) {
	sink := NewMemorySink()
	rec := NewRecorder(sink, NewMemoryCounter(), "audit-test-key")

	rec.Write(context.Background(), Event{
		ActorID: "emp-1", ActorHumanID: "op.one", Action: ActionSend,
		PaymentID: "pay-9",
		Details:   SendDetails{Amount: "25000.00", Currency: "EUR"},
	})

	line := sink.Lines()[0]
	if !rec.VerifyLine(line) {
		t.Fatal("genuine record failed verification")
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(line, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m["payment_id"] = json.RawMessage(`"pay-FORGED"`)
	tampered, _ := json.Marshal(m)
	if rec.VerifyLine(tampered) {
		t.Fatal("tampered record passed verification")
	}
}

func TestUnsignedDegradedMode(t *testing.T) {
	sink := NewMemorySink()
	rec := NewRecorder(sink, NewMemoryCounter(), "")

	rec.Write(context.Background(), Event{
		ActorID: "emp-1", ActorHumanID: "op.one", Action: ActionLogin,
		Details: LoginDetails{Method: "password"},
	})

	var got Record
	if err := json.Unmarshal(sink.Lines()[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Signature != "" {
		t.Fatal("no key configured; record must be unsigned")
	}
	if got.Seq != 1 {
		t.Fatalf("degraded mode must still number records: %d", got.Seq)
	}
}

func TestBufferedRetryAcrossSinkFailure(t *testing.T) {
	sink := NewMemorySink()
	rec := NewRecorder(sink, NewMemoryCounter(), "audit-test-key")
	ctx := context.Background()

	rec.Write(ctx, Event{ActorID: "emp-1", Action: ActionLogin, Details: LoginDetails{Method: "password"}})

	sink.FailWith(errors.New("disk full"))
	rec.Write(ctx, Event{ActorID: "emp-1", Action: ActionReauthFailure,
		Details: ReauthDetails{Method: "password", Reason: "invalid_credentials"}})
	rec.Write(ctx, Event{ActorID: "emp-1", Action: ActionReauthSuccess,
		Details: ReauthDetails{Method: "password", TOTPProvided: true}})

	if got := rec.Buffered(); got != 2 {
		t.Fatalf("expected 2 buffered records, got %d", got)
	}
	if len(sink.Lines()) != 1 {
		t.Fatalf("failed writes must not reach the sink: %d", len(sink.Lines()))
	}

	sink.FailWith(nil)
	rec.Write(ctx, Event{ActorID: "emp-1", Action: ActionVerify, PaymentID: "pay-1",
		Details: VerifyDetails{SwiftMatch: true}})

	if got := rec.Buffered(); got != 0 {
		t.Fatalf("buffer must drain on recovery, still holds %d", got)
	}

	lines := sink.Lines()
	if len(lines) != 4 {
		t.Fatalf("expected all 4 records after recovery, got %d", len(lines))
	}

	// Order preserved: buffered lines flush before the new write, and
	// sequence numbers never repeat.
	var prev uint64
	for i, line := range lines {
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			t.Fatalf("unmarshal line %d: %v", i, err)
		}
		if r.Seq <= prev {
			t.Fatalf("sequence regressed at line %d: %d after %d", i, r.Seq, prev)
		}
		prev = r.Seq
	}
}

func TestFileSinkAndCounter(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir + "/audit.log")
	counter := NewFileCounter(dir + "/audit.seq")
	rec := NewRecorder(sink, counter, "audit-test-key")

	rec.Write(context.Background(), Event{ActorID: "emp-1", Action: ActionLogin,
		Details: LoginDetails{Method: "password"}})

	n, err := counter.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n != 2 {
		t.Fatalf("counter must persist across calls: %d", n)
	}
}
