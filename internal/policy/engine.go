// Package policy holds the in-memory policy snapshot and the decision engine
// that maps a (outgoing, incoming) channel pair to an allow/block verdict.
// The snapshot is a cache over the durable store, rebuilt wholesale whenever
// the store's change marker advances.
package policy

import (
	"github.com/ppiankov/chanisolator/internal/store"
)

// Action is the tagged resolution a verdict carries. It is translated into
// the transport's resolve action in exactly one place (the interceptor), so
// evaluation stays free of transport vocabulary.
type Action int

const (
	// ActionResume lets the HTLC continue to its outgoing channel.
	ActionResume Action = iota
	// ActionFail rejects the HTLC back to its source.
	ActionFail
)

// Verdict is the outcome of evaluating one forward against the snapshot.
type Verdict struct {
	Action    Action
	SessionID int64
	// Monitored reports whether the outgoing channel has an active isolation
	// session. Unmonitored traffic is out of policy scope and never recorded.
	Monitored bool
	// Decision is the record label (store.DecisionAllowed or
	// store.DecisionRejected); empty when not monitored.
	Decision string
}

// ChannelPolicy is one protected channel: its active session and the set of
// sources permitted to route through it.
type ChannelPolicy struct {
	SessionID int64
	Allowed   map[string]struct{}
}

// Snapshot maps protected outgoing channel ids to their policies. A snapshot
// is immutable after construction; reloads build a new one and swap it.
type Snapshot map[string]ChannelPolicy

// BuildSnapshot converts durable rows into an in-memory snapshot.
func BuildSnapshot(policies []store.ActivePolicy) Snapshot {
	snap := make(Snapshot, len(policies))
	for _, p := range policies {
		allowed := make(map[string]struct{}, len(p.Allowed))
		for _, src := range p.Allowed {
			allowed[src] = struct{}{}
		}
		snap[p.ChannelID] = ChannelPolicy{SessionID: p.SessionID, Allowed: allowed}
	}
	return snap
}

// Evaluate decides whether incoming may route through outgoing under snap.
// Pure and total: no side effects, an answer for every input.
func Evaluate(snap Snapshot, outgoing, incoming string) Verdict {
	cp, ok := snap[outgoing]
	if !ok {
		return Verdict{Action: ActionResume}
	}
	if _, allowed := cp.Allowed[incoming]; allowed {
		return Verdict{
			Action:    ActionResume,
			SessionID: cp.SessionID,
			Monitored: true,
			Decision:  store.DecisionAllowed,
		}
	}
	return Verdict{
		Action:    ActionFail,
		SessionID: cp.SessionID,
		Monitored: true,
		Decision:  store.DecisionRejected,
	}
}
