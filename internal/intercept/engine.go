// Package intercept runs the duplex HTLC interception session: it consumes
// forward requests from lnd's HtlcInterceptor stream, evaluates each against
// the policy snapshot, and sends back exactly one resolution per request.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/chanisolator/internal/audit"
	"github.com/ppiankov/chanisolator/internal/policy"
)

// queueSize bounds the outbound resolution queue. Back-pressure blocks the
// inbound consumer (with a cancellation check) rather than dropping; a
// dropped resolution would leave an HTLC stuck upstream.
const queueSize = 64

// Decider evaluates forwards against the current policy snapshot.
type Decider interface {
	ReloadIfChanged()
	Decide(outgoing, incoming string) policy.Verdict
}

// Recorder persists decision outcomes for monitored channels.
type Recorder interface {
	RecordDecision(sessionID int64, sourceID string, amountMsat int64, decision, outcome string) error
}

// Stream is the duplex transport session. Satisfied by
// routerrpc.Router_HtlcInterceptorClient; tests substitute fakes.
type Stream interface {
	Recv() (*routerrpc.ForwardHtlcInterceptRequest, error)
	Send(*routerrpc.ForwardHtlcInterceptResponse) error
}

// Engine processes one interceptor session. Create a fresh Engine per
// session; the connection id ties log lines and audit entries to it.
type Engine struct {
	policies Decider
	recorder Recorder
	auditLog *audit.Log // nil disables audit logging
	connID   string
}

// New creates an engine for one interceptor session.
func New(policies Decider, recorder Recorder, auditLog *audit.Log) *Engine {
	return &Engine{
		policies: policies,
		recorder: recorder,
		auditLog: auditLog,
		connID:   uuid.NewString(),
	}
}

// ConnID returns the session's correlation id.
func (e *Engine) ConnID() string {
	return e.connID
}

// Run processes the stream until it ends or ctx is cancelled. An inbound
// consumer goroutine resolves requests onto a bounded channel; Run's own
// goroutine drains that channel into Send. Closing the channel is the single
// stop sentinel for the send side, delivered exactly once.
//
// Remote-initiated cancellation and EOF are expected session endings and
// return nil; any other transport fault is returned for the connection
// manager to act on.
func (e *Engine) Run(ctx context.Context, stream Stream) error {
	out := make(chan *routerrpc.ForwardHtlcInterceptResponse, queueSize)
	consumeErr := make(chan error, 1)

	go func() {
		defer close(out)
		consumeErr <- e.consume(ctx, stream, out)
	}()

	for resp := range out {
		if err := stream.Send(resp); err != nil {
			// Unblock the consumer so it can observe the dead stream,
			// then wait for it to finish.
			go func() {
				for range out {
				}
			}()
			<-consumeErr
			if expectedEnd(err) {
				return nil
			}
			return fmt.Errorf("send resolution: %w", err)
		}
	}
	return <-consumeErr
}

// consume reads forward requests and enqueues resolutions until the stream
// ends or ctx is cancelled. Every received request is resolved before the
// next Recv; cancellation is only observed between items.
func (e *Engine) consume(ctx context.Context, stream Stream, out chan<- *routerrpc.ForwardHtlcInterceptResponse) error {
	log.Infof("conn %s: interception started", e.connID)
	start := time.Now()
	var handled uint64

	for {
		req, err := stream.Recv()
		if err != nil {
			if expectedEnd(err) {
				log.Infof("conn %s: stream closed by remote after %d forwards (%s)",
					e.connID, handled, time.Since(start).Round(time.Second))
				return nil
			}
			return fmt.Errorf("receive forward request: %w", err)
		}

		if ctx.Err() != nil {
			return nil
		}

		e.policies.ReloadIfChanged()
		resp := e.resolve(req)
		handled++

		select {
		case out <- resp:
		case <-ctx.Done():
			return nil
		}
	}
}

// resolve maps one forward request to its resolution. It never fails: any
// unexpected evaluation error resumes the forward (fail-open), because a
// stuck unresolved HTLC stalls the payment pipeline far more harmfully than
// a wrongly-allowed one. No decision record is written on that path since no
// definite decision was reached.
func (e *Engine) resolve(req *routerrpc.ForwardHtlcInterceptRequest) (resp *routerrpc.ForwardHtlcInterceptResponse) {
	key := req.GetIncomingCircuitKey()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("conn %s: evaluation failed, resuming forward: %v", e.connID, r)
			resp = &routerrpc.ForwardHtlcInterceptResponse{
				IncomingCircuitKey: key,
				Action:             routerrpc.ResolveHoldForwardAction_RESUME,
			}
		}
	}()

	incoming := strconv.FormatUint(key.GetChanId(), 10)
	outgoing := strconv.FormatUint(req.GetOutgoingRequestedChanId(), 10)
	amountMsat := int64(req.GetOutgoingAmountMsat())

	verdict := e.policies.Decide(outgoing, incoming)

	action := routerrpc.ResolveHoldForwardAction_RESUME
	if verdict.Action == policy.ActionFail {
		action = routerrpc.ResolveHoldForwardAction_FAIL
	}

	if verdict.Monitored {
		if verdict.Action == policy.ActionFail {
			log.Infof("conn %s: blocked HTLC %s -> %s (%d msat)",
				e.connID, incoming, outgoing, amountMsat)
		} else {
			log.Infof("conn %s: allowed HTLC %s -> %s (%d msat)",
				e.connID, incoming, outgoing, amountMsat)
		}

		// Audit durability never overrides the enforcement decision: a
		// record failure is logged and the decided action still stands.
		if err := e.recorder.RecordDecision(verdict.SessionID, incoming, amountMsat, verdict.Decision, ""); err != nil {
			log.Errorf("conn %s: record decision for session %d: %v", e.connID, verdict.SessionID, err)
		} else if e.auditLog != nil {
			if err := e.auditLog.Record(audit.Entry{
				ConnID:          e.connID,
				SessionID:       verdict.SessionID,
				IncomingChannel: incoming,
				OutgoingChannel: outgoing,
				AmountMsat:      amountMsat,
				Decision:        verdict.Decision,
			}); err != nil {
				log.Errorf("conn %s: audit entry: %v", e.connID, err)
			}
		}
	}

	return &routerrpc.ForwardHtlcInterceptResponse{
		IncomingCircuitKey: key,
		Action:             action,
	}
}

// expectedEnd reports whether err is a normal session ending rather than a
// transport fault: EOF, context cancellation, or a remote-initiated cancel.
func expectedEnd(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}
