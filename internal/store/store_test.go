package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func marker(t *testing.T, s *Store) string {
	t.Helper()
	m, err := s.Marker()
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	return m
}

func TestStartIsolationCreatesActiveSession(t *testing.T) {
	s := newTestStore(t)

	id, existing, err := s.StartIsolation("123456", "peer-a")
	if err != nil {
		t.Fatalf("StartIsolation failed: %v", err)
	}
	if existing {
		t.Fatal("expected a new session, got existing")
	}
	if id == 0 {
		t.Fatal("expected non-zero session id")
	}

	sessions, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(sessions))
	}
	if sessions[0].ChannelID != "123456" {
		t.Errorf("expected channel 123456, got %s", sessions[0].ChannelID)
	}
	if sessions[0].Alias != "peer-a" {
		t.Errorf("expected alias peer-a, got %q", sessions[0].Alias)
	}
	if sessions[0].Status != StatusActive {
		t.Errorf("expected status active, got %s", sessions[0].Status)
	}
}

func TestStartIsolationIdempotent(t *testing.T) {
	s := newTestStore(t)

	first, _, err := s.StartIsolation("123456", "")
	if err != nil {
		t.Fatalf("first StartIsolation failed: %v", err)
	}
	m := marker(t, s)

	second, existing, err := s.StartIsolation("123456", "other-alias")
	if err != nil {
		t.Fatalf("second StartIsolation failed: %v", err)
	}
	if !existing {
		t.Fatal("expected existing=true on duplicate start")
	}
	if second != first {
		t.Errorf("expected original session id %d, got %d", first, second)
	}
	if got := marker(t, s); got != m {
		t.Errorf("duplicate start must not advance the marker: %q -> %q", m, got)
	}

	sessions, _ := s.ListActive()
	if len(sessions) != 1 {
		t.Fatalf("expected exactly 1 active session, got %d", len(sessions))
	}
}

func TestStopIsolationCompletesSession(t *testing.T) {
	s := newTestStore(t)

	started, _, _ := s.StartIsolation("123456", "")
	stopped, err := s.StopIsolation("123456")
	if err != nil {
		t.Fatalf("StopIsolation failed: %v", err)
	}
	if stopped != started {
		t.Errorf("expected session %d, got %d", started, stopped)
	}

	sessions, _ := s.ListActive()
	if len(sessions) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(sessions))
	}

	sess, err := s.SessionByID(started)
	if err != nil {
		t.Fatalf("SessionByID failed: %v", err)
	}
	if sess.Status != StatusCompleted {
		t.Errorf("expected status completed, got %s", sess.Status)
	}
	if sess.EndedAt.IsZero() {
		t.Error("expected end timestamp to be set")
	}
}

func TestStopIsolationNoActiveSession(t *testing.T) {
	s := newTestStore(t)
	m := marker(t, s)

	_, err := s.StopIsolation("999999")
	if !errors.Is(err, ErrNotIsolated) {
		t.Fatalf("expected ErrNotIsolated, got %v", err)
	}
	if got := marker(t, s); got != m {
		t.Errorf("no-op stop must not advance the marker: %q -> %q", m, got)
	}
}

func TestRestartAfterStopCreatesNewSession(t *testing.T) {
	s := newTestStore(t)

	first, _, _ := s.StartIsolation("123456", "")
	s.StopIsolation("123456")
	second, existing, err := s.StartIsolation("123456", "")
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if existing {
		t.Fatal("expected a fresh session after stop")
	}
	if second == first {
		t.Error("expected a new session id after stop")
	}
}

func TestExceptionLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddException("123456", "777", ""); !errors.Is(err, ErrNotIsolated) {
		t.Fatalf("expected ErrNotIsolated for unmonitored channel, got %v", err)
	}

	s.StartIsolation("123456", "")
	if err := s.AddException("123456", "777", "friendly-peer"); err != nil {
		t.Fatalf("AddException failed: %v", err)
	}

	exceptions, err := s.Exceptions("123456")
	if err != nil {
		t.Fatalf("Exceptions failed: %v", err)
	}
	if len(exceptions) != 1 {
		t.Fatalf("expected 1 exception, got %d", len(exceptions))
	}
	if exceptions[0].SourceID != "777" {
		t.Errorf("expected source 777, got %s", exceptions[0].SourceID)
	}
	if exceptions[0].Alias != "friendly-peer" {
		t.Errorf("expected alias friendly-peer, got %q", exceptions[0].Alias)
	}

	if err := s.RemoveException("123456", "777"); err != nil {
		t.Fatalf("RemoveException failed: %v", err)
	}
	exceptions, _ = s.Exceptions("123456")
	if len(exceptions) != 0 {
		t.Fatalf("expected no exceptions after removal, got %d", len(exceptions))
	}
}

func TestDuplicateExceptionIsNoOp(t *testing.T) {
	s := newTestStore(t)
	s.StartIsolation("123456", "")
	if err := s.AddException("123456", "777", ""); err != nil {
		t.Fatalf("first AddException failed: %v", err)
	}
	m := marker(t, s)

	if err := s.AddException("123456", "777", ""); err != nil {
		t.Fatalf("duplicate AddException failed: %v", err)
	}
	if got := marker(t, s); got != m {
		t.Errorf("duplicate exception must not advance the marker: %q -> %q", m, got)
	}

	exceptions, _ := s.Exceptions("123456")
	if len(exceptions) != 1 {
		t.Fatalf("expected 1 exception, got %d", len(exceptions))
	}
}

func TestMutationsAdvanceMarker(t *testing.T) {
	s := newTestStore(t)

	m0 := marker(t, s)
	s.StartIsolation("123456", "")
	m1 := marker(t, s)
	if m1 <= m0 {
		t.Errorf("StartIsolation must advance the marker: %q -> %q", m0, m1)
	}

	s.AddException("123456", "777", "")
	m2 := marker(t, s)
	if m2 <= m1 {
		t.Errorf("AddException must advance the marker: %q -> %q", m1, m2)
	}

	s.RemoveException("123456", "777")
	m3 := marker(t, s)
	if m3 <= m2 {
		t.Errorf("RemoveException must advance the marker: %q -> %q", m2, m3)
	}

	s.StopIsolation("123456")
	m4 := marker(t, s)
	if m4 <= m3 {
		t.Errorf("StopIsolation must advance the marker: %q -> %q", m3, m4)
	}
}

func TestRecordDecisionCountersConsistent(t *testing.T) {
	s := newTestStore(t)
	id, _, _ := s.StartIsolation("123456", "")

	for i := 0; i < 3; i++ {
		if err := s.RecordDecision(id, "777", 1000, DecisionAllowed, ""); err != nil {
			t.Fatalf("record allowed %d: %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := s.RecordDecision(id, "888", 2500, DecisionRejected, ""); err != nil {
			t.Fatalf("record rejected %d: %v", i, err)
		}
	}

	sess, err := s.SessionByID(id)
	if err != nil {
		t.Fatalf("SessionByID failed: %v", err)
	}
	if sess.Attempts != 5 || sess.Allowed != 3 || sess.Rejected != 2 {
		t.Errorf("expected counters 5/3/2, got %d/%d/%d", sess.Attempts, sess.Allowed, sess.Rejected)
	}

	n, err := s.AttemptCount(id)
	if err != nil {
		t.Fatalf("AttemptCount failed: %v", err)
	}
	if n != sess.Attempts {
		t.Errorf("attempt rows (%d) must equal attempts counter (%d)", n, sess.Attempts)
	}
}

func TestAttemptsReport(t *testing.T) {
	s := newTestStore(t)
	id, _, _ := s.StartIsolation("123456", "")
	s.RecordDecision(id, "777", 1500, DecisionAllowed, "")
	s.RecordDecision(id, "888", 3000, DecisionRejected, "")

	attempts, err := s.Attempts(id)
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	var rejected bool
	for _, a := range attempts {
		if a.SourceID == "888" && a.Decision == DecisionRejected && a.AmountMsat == 3000 {
			rejected = true
		}
	}
	if !rejected {
		t.Error("expected a rejected attempt from source 888 with 3000 msat")
	}
}

func TestActivePolicies(t *testing.T) {
	s := newTestStore(t)

	idA, _, _ := s.StartIsolation("111", "")
	s.AddException("111", "201", "")
	s.AddException("111", "202", "")
	s.StartIsolation("222", "")

	// Completed sessions and their exceptions must not appear.
	s.StartIsolation("333", "")
	s.AddException("333", "999", "")
	s.StopIsolation("333")

	policies, err := s.ActivePolicies()
	if err != nil {
		t.Fatalf("ActivePolicies failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 active policies, got %d", len(policies))
	}

	byChannel := make(map[string]ActivePolicy)
	for _, p := range policies {
		byChannel[p.ChannelID] = p
	}
	a, ok := byChannel["111"]
	if !ok {
		t.Fatal("missing policy for channel 111")
	}
	if a.SessionID != idA {
		t.Errorf("expected session %d for channel 111, got %d", idA, a.SessionID)
	}
	if len(a.Allowed) != 2 {
		t.Errorf("expected 2 allowed sources for channel 111, got %d", len(a.Allowed))
	}
	if b := byChannel["222"]; len(b.Allowed) != 0 {
		t.Errorf("expected empty allowed set for channel 222, got %d", len(b.Allowed))
	}
}

func TestHistoryAndStats(t *testing.T) {
	s := newTestStore(t)

	id, _, _ := s.StartIsolation("111", "")
	s.RecordDecision(id, "777", 1000, DecisionAllowed, "")
	s.RecordDecision(id, "888", 1000, DecisionRejected, "")
	s.StopIsolation("111")
	s.StartIsolation("222", "")

	history, err := s.History("")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}

	filtered, err := s.History("111")
	if err != nil {
		t.Fatalf("filtered History failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ChannelID != "111" {
		t.Fatalf("expected 1 row for channel 111, got %d", len(filtered))
	}

	stats, err := s.OverallStats()
	if err != nil {
		t.Fatalf("OverallStats failed: %v", err)
	}
	if stats.ActiveSessions != 1 || stats.TotalSessions != 2 {
		t.Errorf("expected 1 active / 2 total sessions, got %d/%d", stats.ActiveSessions, stats.TotalSessions)
	}
	if stats.TotalAttempts != 2 || stats.Allowed != 1 || stats.Rejected != 1 {
		t.Errorf("expected attempts 2/1/1, got %d/%d/%d", stats.TotalAttempts, stats.Allowed, stats.Rejected)
	}
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, _, _ := s.StartIsolation("123456", "")
	s.AddException("123456", "777", "")
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	policies, err := s2.ActivePolicies()
	if err != nil {
		t.Fatalf("ActivePolicies after reopen: %v", err)
	}
	if len(policies) != 1 || policies[0].SessionID != id || len(policies[0].Allowed) != 1 {
		t.Fatalf("state not preserved across reopen: %+v", policies)
	}
}
