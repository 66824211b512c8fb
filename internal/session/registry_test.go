package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/callshield/internal/classify"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry(testLogger())

	sess, err := r.Create("+15551234567", "device-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "sess_") {
		t.Errorf("unexpected id format: %s", sess.ID)
	}
	if sess.Status != StatusPending {
		t.Errorf("expected pending, got %s", sess.Status)
	}

	got, err := r.Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Number != "+15551234567" || got.DeviceID != "device-1" {
		t.Errorf("unexpected session: %+v", got)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 resident session, got %d", r.Len())
	}
}

func TestCreateRequiresNumber(t *testing.T) {
	r := NewRegistry(testLogger())
	if _, err := r.Create("", ""); !errors.Is(err, ErrNumberRequired) {
		t.Errorf("expected ErrNumberRequired, got %v", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	r := NewRegistry(testLogger())
	if _, err := r.Get("sess_000000000000000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry(testLogger())
	sess, _ := r.Create("+15551234567", "")
	if err := r.AppendTranscript(sess.ID, TranscriptEntry{Text: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, _ := r.Get(sess.ID)
	got.Number = "tampered"
	got.Transcripts[0].Text = "tampered"

	again, _ := r.Get(sess.ID)
	if again.Number != "+15551234567" || again.Transcripts[0].Text != "hello" {
		t.Error("mutating a returned session leaked into the registry")
	}
}

func TestStatusLifecycle(t *testing.T) {
	r := NewRegistry(testLogger())
	sess, _ := r.Create("+15551234567", "")

	if err := r.UpdateStatus(sess.ID, StatusConnected); err != nil {
		t.Fatalf("pending→connected: %v", err)
	}
	got, _ := r.Get(sess.ID)
	if got.Status != StatusConnected || got.ConnectedAt.IsZero() {
		t.Errorf("expected connected with timestamp, got %+v", got)
	}

	// Re-entering connected is a repeat, not progress.
	if err := r.UpdateStatus(sess.ID, StatusConnected); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("connected→connected: expected ErrInvalidTransition, got %v", err)
	}

	// Backwards is rejected.
	if err := r.UpdateStatus(sess.ID, StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("connected→pending: expected ErrInvalidTransition, got %v", err)
	}

	if err := r.UpdateStatus(sess.ID, StatusDisconnected); err != nil {
		t.Fatalf("connected→disconnected: %v", err)
	}

	// Nothing moves out of a terminal state.
	if err := r.UpdateStatus(sess.ID, StatusConnected); !errors.Is(err, ErrClosed) {
		t.Errorf("disconnected→connected: expected ErrClosed, got %v", err)
	}
	if err := r.UpdateStatus(sess.ID, StatusError); !errors.Is(err, ErrClosed) {
		t.Errorf("disconnected→error: expected ErrClosed, got %v", err)
	}
}

func TestStatusSkipsConnected(t *testing.T) {
	// A call that never establishes upstream can still end.
	r := NewRegistry(testLogger())
	sess, _ := r.Create("+15551234567", "")

	if err := r.UpdateStatus(sess.ID, StatusError); err != nil {
		t.Fatalf("pending→error: %v", err)
	}
	got, _ := r.Get(sess.ID)
	if got.Status != StatusError {
		t.Errorf("expected error status, got %s", got.Status)
	}
}

func TestUpdateStatusUnknownValue(t *testing.T) {
	r := NewRegistry(testLogger())
	sess, _ := r.Create("+15551234567", "")
	if err := r.UpdateStatus(sess.ID, Status("bogus")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestResultLogEvictsOldest(t *testing.T) {
	r := NewRegistry(testLogger())
	sess, _ := r.Create("+15551234567", "")

	for i := 0; i < MaxResultLog+10; i++ {
		entry := ResultEntry{
			Raw:       classify.RawAnalysisResult{SyntheticScore: float64(i)},
			RiskLevel: classify.RiskLow,
		}
		if err := r.AppendResult(sess.ID, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, _ := r.Get(sess.ID)
	if len(got.Results) != MaxResultLog {
		t.Fatalf("expected %d results, got %d", MaxResultLog, len(got.Results))
	}
	// First 10 were evicted; the log starts at entry 10.
	if got.Results[0].Raw.SyntheticScore != 10 {
		t.Errorf("expected oldest surviving entry 10, got %f", got.Results[0].Raw.SyntheticScore)
	}
	if got.Results[len(got.Results)-1].Raw.SyntheticScore != float64(MaxResultLog+9) {
		t.Errorf("newest entry wrong: %f", got.Results[len(got.Results)-1].Raw.SyntheticScore)
	}
}

func TestTranscriptAndWarningCaps(t *testing.T) {
	r := NewRegistry(testLogger())
	sess, _ := r.Create("+15551234567", "")

	for i := 0; i < MaxTranscriptLog+5; i++ {
		if err := r.AppendTranscript(sess.ID, TranscriptEntry{Text: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("transcript %d: %v", i, err)
		}
	}
	for i := 0; i < MaxWarningLog+5; i++ {
		if err := r.AppendWarning(sess.ID, classify.Warning{Title: fmt.Sprintf("w%d", i)}); err != nil {
			t.Fatalf("warning %d: %v", i, err)
		}
	}

	got, _ := r.Get(sess.ID)
	if len(got.Transcripts) != MaxTranscriptLog {
		t.Errorf("expected %d transcripts, got %d", MaxTranscriptLog, len(got.Transcripts))
	}
	if got.Transcripts[0].Text != "t5" {
		t.Errorf("expected oldest transcript t5, got %s", got.Transcripts[0].Text)
	}
	if len(got.Warnings) != MaxWarningLog {
		t.Errorf("expected %d warnings, got %d", MaxWarningLog, len(got.Warnings))
	}
	if got.Warnings[0].Title != "w5" {
		t.Errorf("expected oldest warning w5, got %s", got.Warnings[0].Title)
	}
}

func TestAppendToClosedSession(t *testing.T) {
	r := NewRegistry(testLogger())
	sess, _ := r.Create("+15551234567", "")
	if _, err := r.Close(sess.ID, CauseClientClose); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := r.AppendResult(sess.ID, ResultEntry{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := r.AppendTranscript(sess.ID, TranscriptEntry{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := r.AppendWarning(sess.ID, classify.Warning{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())

	var finalized []string
	r.SetFinalizer(func(s *Session) { finalized = append(finalized, s.ID) })

	sess, _ := r.Create("+15551234567", "")
	r.UpdateStatus(sess.ID, StatusConnected)

	first, err := r.Close(sess.ID, CauseClientClose)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if first.Status != StatusDisconnected || first.CloseCause != CauseClientClose {
		t.Errorf("unexpected close state: %s/%s", first.Status, first.CloseCause)
	}
	if first.ClosedAt.IsZero() {
		t.Error("expected closedAt timestamp")
	}

	// Second close from the other side of the relay: no error, no
	// state change, no second finalizer call.
	second, err := r.Close(sess.ID, CauseUpstreamClose)
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if second.CloseCause != CauseClientClose {
		t.Errorf("second close overwrote cause: %s", second.CloseCause)
	}
	if len(finalized) != 1 || finalized[0] != sess.ID {
		t.Errorf("finalizer calls = %v, want exactly one", finalized)
	}
}

func TestCloseOnErrorCause(t *testing.T) {
	r := NewRegistry(testLogger())
	sess, _ := r.Create("+15551234567", "")

	closed, err := r.Close(sess.ID, CauseUpstreamError)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != StatusError {
		t.Errorf("expected error status, got %s", closed.Status)
	}
}

func TestCloseUnknownSession(t *testing.T) {
	r := NewRegistry(testLogger())
	if _, err := r.Close("sess_missing", CauseClientClose); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminalStatusFiresFinalizer(t *testing.T) {
	r := NewRegistry(testLogger())

	calls := 0
	r.SetFinalizer(func(*Session) { calls++ })

	sess, _ := r.Create("+15551234567", "")
	if err := r.UpdateStatus(sess.ID, StatusDisconnected); err != nil {
		t.Fatalf("update: %v", err)
	}
	if calls != 1 {
		t.Errorf("finalizer calls = %d, want 1", calls)
	}

	// Close after a terminal UpdateStatus must not re-fire.
	if _, err := r.Close(sess.ID, CauseClientClose); err != nil {
		t.Fatalf("close: %v", err)
	}
	if calls != 1 {
		t.Errorf("finalizer re-fired: %d calls", calls)
	}
}

func TestSweepEvictsStaleKeepsFresh(t *testing.T) {
	r := NewRegistry(testLogger())

	var finalized []string
	r.SetFinalizer(func(s *Session) { finalized = append(finalized, s.ID) })

	stale, _ := r.Create("+15551110000", "")
	closed, _ := r.Create("+15551110001", "")
	r.Close(closed.ID, CauseClientClose)

	time.Sleep(10 * time.Millisecond)

	// Fresh session created after the stale ones; a 5ms TTL spares it.
	fresh, _ := r.Create("+15551110002", "")

	evicted := r.Sweep(5 * time.Millisecond)
	if evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}

	if _, err := r.Get(stale.ID); !errors.Is(err, ErrNotFound) {
		t.Error("stale pending session survived sweep")
	}
	if _, err := r.Get(closed.ID); !errors.Is(err, ErrNotFound) {
		t.Error("stale closed session survived sweep")
	}
	if _, err := r.Get(fresh.ID); err != nil {
		t.Error("fresh session was evicted")
	}

	// The pending session was closed on the way out (finalized with
	// cause expired); the already-closed one was finalized at close
	// time, not again at sweep time.
	if len(finalized) != 2 {
		t.Fatalf("finalizer calls = %d, want 2", len(finalized))
	}
	if finalized[0] != closed.ID {
		t.Errorf("first finalized should be the explicit close, got %s", finalized[0])
	}
	if finalized[1] != stale.ID {
		t.Errorf("sweep should finalize the pending session, got %s", finalized[1])
	}
}

func TestSweepClosesPendingWithExpiredCause(t *testing.T) {
	r := NewRegistry(testLogger())

	var got *Session
	r.SetFinalizer(func(s *Session) { got = s })

	r.Create("+15551234567", "")
	time.Sleep(5 * time.Millisecond)

	if evicted := r.Sweep(time.Millisecond); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if got == nil {
		t.Fatal("finalizer never ran")
	}
	if got.Status != StatusDisconnected || got.CloseCause != CauseExpired {
		t.Errorf("expected disconnected/expired, got %s/%s", got.Status, got.CloseCause)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestConcurrentAppends(t *testing.T) {
	r := NewRegistry(testLogger())
	sess, _ := r.Create("+15551234567", "")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = r.AppendResult(sess.ID, ResultEntry{RiskLevel: classify.RiskLow})
			_ = r.AppendTranscript(sess.ID, TranscriptEntry{Text: fmt.Sprintf("t%d", n)})
		}(i)
	}
	wg.Wait()

	got, _ := r.Get(sess.ID)
	if len(got.Results) != MaxResultLog {
		t.Errorf("expected %d results after 100 concurrent appends, got %d", MaxResultLog, len(got.Results))
	}
	if len(got.Transcripts) != 100 {
		t.Errorf("expected 100 transcripts, got %d", len(got.Transcripts))
	}
}

func TestConcurrentCloseFinalizesOnce(t *testing.T) {
	r := NewRegistry(testLogger())

	var mu sync.Mutex
	calls := 0
	r.SetFinalizer(func(*Session) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	sess, _ := r.Create("+15551234567", "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Close(sess.ID, CauseClientClose)
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("finalizer calls = %d, want 1", calls)
	}
}

func TestHighestRisk(t *testing.T) {
	s := &Session{}
	if s.HighestRisk() != classify.RiskLow {
		t.Error("empty session should be LOW")
	}

	s.Results = []ResultEntry{{RiskLevel: classify.RiskLow}, {RiskLevel: classify.RiskMedium}}
	if s.HighestRisk() != classify.RiskMedium {
		t.Error("expected MEDIUM")
	}

	s.Results = append(s.Results, ResultEntry{RiskLevel: classify.RiskHigh})
	if s.HighestRisk() != classify.RiskHigh {
		t.Error("expected HIGH")
	}
}

func TestSweeperLoop(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Create("+15551234567", "")

	sw := NewSweeper(r, time.Millisecond, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sw.Start(ctx)

	deadline := time.After(2 * time.Second)
	for r.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never evicted the stale session")
		case <-time.After(10 * time.Millisecond):
		}
	}

	sw.Stop()
	for i := 0; i < 100 && sw.Running(); i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if sw.Running() {
		t.Error("sweeper still running after Stop")
	}
}

func TestSweeperOnSweepHook(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Create("+15551234567", "")

	evicted := make(chan int, 1)
	sw := NewSweeper(r, time.Millisecond, 10*time.Millisecond, testLogger())
	sw.SetOnSweep(func(n int) {
		select {
		case evicted <- n:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Start(ctx)

	select {
	case n := <-evicted:
		if n != 1 {
			t.Errorf("hook reported %d evictions, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep hook never fired")
	}
}
