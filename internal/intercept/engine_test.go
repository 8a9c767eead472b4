package intercept

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/chanisolator/internal/policy"
	"github.com/ppiankov/chanisolator/internal/store"
)

// fakeStream scripts inbound requests and records outbound resolutions.
type fakeStream struct {
	mu       sync.Mutex
	requests []*routerrpc.ForwardHtlcInterceptRequest
	finalErr error // returned after the scripted requests run out
	sent     []*routerrpc.ForwardHtlcInterceptResponse
	sendErr  error
}

func (f *fakeStream) Recv() (*routerrpc.ForwardHtlcInterceptRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		if f.finalErr != nil {
			return nil, f.finalErr
		}
		return nil, io.EOF
	}
	req := f.requests[0]
	f.requests = f.requests[1:]
	return req, nil
}

func (f *fakeStream) Send(resp *routerrpc.ForwardHtlcInterceptResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, resp)
	return nil
}

func (f *fakeStream) responses() []*routerrpc.ForwardHtlcInterceptResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*routerrpc.ForwardHtlcInterceptResponse(nil), f.sent...)
}

// fakeDecider serves a fixed snapshot; panicAll simulates a broken
// evaluation path.
type fakeDecider struct {
	snap     policy.Snapshot
	panicAll bool
	reloads  int
}

func (d *fakeDecider) ReloadIfChanged() { d.reloads++ }

func (d *fakeDecider) Decide(outgoing, incoming string) policy.Verdict {
	if d.panicAll {
		panic("decision state corrupted")
	}
	return policy.Evaluate(d.snap, outgoing, incoming)
}

// fakeRecorder collects recorded decisions.
type fakeRecorder struct {
	mu      sync.Mutex
	records []recordedDecision
	err     error
}

type recordedDecision struct {
	sessionID int64
	source    string
	amount    int64
	decision  string
}

func (r *fakeRecorder) RecordDecision(sessionID int64, sourceID string, amountMsat int64, decision, outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, recordedDecision{sessionID, sourceID, amountMsat, decision})
	return nil
}

func (r *fakeRecorder) all() []recordedDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedDecision(nil), r.records...)
}

func forward(incoming, outgoing, htlcID uint64, amountMsat uint64) *routerrpc.ForwardHtlcInterceptRequest {
	return &routerrpc.ForwardHtlcInterceptRequest{
		IncomingCircuitKey: &routerrpc.CircuitKey{
			ChanId: incoming,
			HtlcId: htlcID,
		},
		OutgoingRequestedChanId: outgoing,
		OutgoingAmountMsat:      amountMsat,
	}
}

func protectedSnapshot() policy.Snapshot {
	return policy.BuildSnapshot([]store.ActivePolicy{
		{SessionID: 7, ChannelID: "100", Allowed: []string{"201", "202"}},
	})
}

func TestExactlyOneResolutionPerRequest(t *testing.T) {
	stream := &fakeStream{
		requests: []*routerrpc.ForwardHtlcInterceptRequest{
			forward(201, 100, 1, 1000),
			forward(666, 100, 2, 2000),
			forward(202, 100, 3, 3000),
			forward(300, 999, 4, 4000),
			forward(666, 100, 5, 5000),
		},
	}
	e := New(&fakeDecider{snap: protectedSnapshot()}, &fakeRecorder{}, nil)

	if err := e.Run(context.Background(), stream); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	responses := stream.responses()
	if len(responses) != 5 {
		t.Fatalf("expected 5 resolutions, got %d", len(responses))
	}
	seen := make(map[uint64]bool)
	for _, resp := range responses {
		key := resp.GetIncomingCircuitKey()
		if key == nil {
			t.Fatal("resolution without circuit key")
		}
		if seen[key.HtlcId] {
			t.Fatalf("duplicate resolution for htlc %d", key.HtlcId)
		}
		seen[key.HtlcId] = true
	}
	for id := uint64(1); id <= 5; id++ {
		if !seen[id] {
			t.Errorf("missing resolution for htlc %d", id)
		}
	}
}

func TestAllowBlockCorrectness(t *testing.T) {
	stream := &fakeStream{
		requests: []*routerrpc.ForwardHtlcInterceptRequest{
			forward(201, 100, 1, 1000), // permitted
			forward(666, 100, 2, 2000), // not permitted
			forward(666, 999, 3, 3000), // unprotected channel
		},
	}
	recorder := &fakeRecorder{}
	e := New(&fakeDecider{snap: protectedSnapshot()}, recorder, nil)

	if err := e.Run(context.Background(), stream); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	actions := make(map[uint64]routerrpc.ResolveHoldForwardAction)
	for _, resp := range stream.responses() {
		actions[resp.GetIncomingCircuitKey().HtlcId] = resp.Action
	}
	if actions[1] != routerrpc.ResolveHoldForwardAction_RESUME {
		t.Error("permitted source must resume")
	}
	if actions[2] != routerrpc.ResolveHoldForwardAction_FAIL {
		t.Error("unknown source must fail")
	}
	if actions[3] != routerrpc.ResolveHoldForwardAction_RESUME {
		t.Error("unprotected channel must resume")
	}

	records := recorder.all()
	if len(records) != 2 {
		t.Fatalf("expected 2 decision records, got %d", len(records))
	}
	if records[0].decision != store.DecisionAllowed || records[0].source != "201" {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[1].decision != store.DecisionRejected || records[1].source != "666" {
		t.Errorf("unexpected second record: %+v", records[1])
	}
	for _, r := range records {
		if r.sessionID != 7 {
			t.Errorf("expected session 7, got %d", r.sessionID)
		}
	}
}

func TestFailOpenOnEvaluationError(t *testing.T) {
	stream := &fakeStream{
		requests: []*routerrpc.ForwardHtlcInterceptRequest{
			forward(666, 100, 1, 1000),
		},
	}
	recorder := &fakeRecorder{}
	e := New(&fakeDecider{panicAll: true}, recorder, nil)

	if err := e.Run(context.Background(), stream); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	responses := stream.responses()
	if len(responses) != 1 {
		t.Fatalf("expected 1 resolution, got %d", len(responses))
	}
	if responses[0].Action != routerrpc.ResolveHoldForwardAction_RESUME {
		t.Error("evaluation error must fail open (resume)")
	}
	if got := responses[0].GetIncomingCircuitKey().GetChanId(); got != 666 {
		t.Errorf("resolution must echo the request's circuit key, got chan %d", got)
	}
	if len(recorder.all()) != 0 {
		t.Error("no decision record may be written when no decision was reached")
	}
}

func TestRecordFailureStillEnforcesDecision(t *testing.T) {
	stream := &fakeStream{
		requests: []*routerrpc.ForwardHtlcInterceptRequest{
			forward(666, 100, 1, 1000),
		},
	}
	recorder := &fakeRecorder{err: errors.New("disk full")}
	e := New(&fakeDecider{snap: protectedSnapshot()}, recorder, nil)

	if err := e.Run(context.Background(), stream); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	responses := stream.responses()
	if len(responses) != 1 || responses[0].Action != routerrpc.ResolveHoldForwardAction_FAIL {
		t.Fatal("a definite block decision must be enforced even if recording fails")
	}
}

func TestRemoteCancelIsNotAnError(t *testing.T) {
	stream := &fakeStream{
		finalErr: status.Error(codes.Canceled, "stream canceled"),
	}
	e := New(&fakeDecider{}, &fakeRecorder{}, nil)

	if err := e.Run(context.Background(), stream); err != nil {
		t.Fatalf("remote cancellation must not be an error, got %v", err)
	}
}

func TestTransportFaultPropagates(t *testing.T) {
	stream := &fakeStream{
		requests: []*routerrpc.ForwardHtlcInterceptRequest{
			forward(201, 100, 1, 1000),
		},
		finalErr: status.Error(codes.Unavailable, "connection reset"),
	}
	e := New(&fakeDecider{snap: protectedSnapshot()}, &fakeRecorder{}, nil)

	err := e.Run(context.Background(), stream)
	if err == nil {
		t.Fatal("expected transport fault to propagate")
	}
	if status.Code(errors.Unwrap(err)) != codes.Unavailable {
		t.Errorf("expected Unavailable, got %v", err)
	}
	// The request received before the fault still got its resolution.
	if len(stream.responses()) != 1 {
		t.Errorf("expected 1 resolution before the fault, got %d", len(stream.responses()))
	}
}

func TestOpportunisticReloadPerRequest(t *testing.T) {
	stream := &fakeStream{
		requests: []*routerrpc.ForwardHtlcInterceptRequest{
			forward(201, 100, 1, 1000),
			forward(202, 100, 2, 2000),
			forward(203, 100, 3, 3000),
		},
	}
	decider := &fakeDecider{snap: protectedSnapshot()}
	e := New(decider, &fakeRecorder{}, nil)

	if err := e.Run(context.Background(), stream); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if decider.reloads != 3 {
		t.Errorf("expected one reload check per request, got %d", decider.reloads)
	}
}

func TestShutdownStopsProcessing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := &fakeStream{
		requests: []*routerrpc.ForwardHtlcInterceptRequest{
			forward(201, 100, 1, 1000),
			forward(202, 100, 2, 2000),
		},
	}
	e := New(&fakeDecider{snap: protectedSnapshot()}, &fakeRecorder{}, nil)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, stream) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown must return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not observe cancellation")
	}
}
