// Package lnd owns the connection to the routing daemon: credential loading,
// session establishment, and the reconnect loop that supervises the
// interceptor engine.
package lnd

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/ppiankov/chanisolator/internal/audit"
	"github.com/ppiankov/chanisolator/internal/intercept"
	"github.com/ppiankov/chanisolator/internal/policy"
	"github.com/ppiankov/chanisolator/internal/store"
)

// Config holds connection parameters for one lnd node.
type Config struct {
	RPCAddress   string
	TLSCertPath  string
	MacaroonPath string

	// StreamRetry is the wait after a session that was established and then
	// failed; ConnectRetry is the longer wait after failing to establish a
	// session at all.
	StreamRetry  time.Duration
	ConnectRetry time.Duration
}

// session is one established interceptor connection.
type session interface {
	Run(ctx context.Context) error
	Close() error
}

// Manager supervises interceptor sessions against one lnd node, reconnecting
// with backoff until the context is cancelled.
type Manager struct {
	cfg      Config
	policies *policy.Cache
	db       *store.Store
	auditLog *audit.Log

	// openSession is swapped in tests.
	openSession func(ctx context.Context) (session, error)
}

// NewManager creates a connection manager. auditLog may be nil.
func NewManager(cfg Config, policies *policy.Cache, db *store.Store, auditLog *audit.Log) *Manager {
	if cfg.StreamRetry == 0 {
		cfg.StreamRetry = 5 * time.Second
	}
	if cfg.ConnectRetry == 0 {
		cfg.ConnectRetry = 30 * time.Second
	}
	m := &Manager{
		cfg:      cfg,
		policies: policies,
		db:       db,
		auditLog: auditLog,
	}
	m.openSession = m.dialSession
	return m
}

// Run loops until ctx is cancelled: establish a session, hand it to the
// interceptor engine, and on failure back off and retry. A failed session
// waits StreamRetry; a failed establishment waits ConnectRetry. Both waits
// are interrupted by cancellation. Always returns nil on shutdown.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		sess, err := m.openSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("connect to lnd: %v, retrying in %s", err, m.cfg.ConnectRetry)
			if !sleep(ctx, m.cfg.ConnectRetry) {
				return nil
			}
			continue
		}

		err = sess.Run(ctx)
		sess.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Errorf("interceptor session failed: %v, reconnecting in %s", err, m.cfg.StreamRetry)
		} else {
			log.Infof("interceptor session ended, reconnecting in %s", m.cfg.StreamRetry)
		}
		if !sleep(ctx, m.cfg.StreamRetry) {
			return nil
		}
	}
}

// dialSession connects, authenticates, and probes the node before handing
// back a runnable session.
func (m *Manager) dialSession(ctx context.Context) (session, error) {
	tlsCreds, err := transportCredentials(m.cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}
	macCred, err := newMacaroonCredential(m.cfg.MacaroonPath)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(m.cfg.RPCAddress,
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithPerRPCCredentials(macCred),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.cfg.RPCAddress, err)
	}

	info, err := lnrpc.NewLightningClient(conn).GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("probe node: %w", err)
	}
	log.Infof("connected to lnd node %s (%s)", info.Alias, info.IdentityPubkey)

	return &lndSession{
		conn:   conn,
		engine: intercept.New(m.policies, m.db, m.auditLog),
	}, nil
}

// lndSession runs the interceptor engine over a live gRPC connection.
type lndSession struct {
	conn   *grpc.ClientConn
	engine *intercept.Engine
}

func (s *lndSession) Run(ctx context.Context) error {
	stream, err := routerrpc.NewRouterClient(s.conn).HtlcInterceptor(ctx)
	if err != nil {
		return fmt.Errorf("open interceptor stream: %w", err)
	}
	return s.engine.Run(ctx, stream)
}

func (s *lndSession) Close() error {
	return s.conn.Close()
}

// sleep waits for d or until ctx is cancelled; reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
