// Package session drives one client connection end to end: the Startup
// and Authenticating handshake stages, and, once Ready, the
// extended-protocol router that virtualizes prepared statements and
// portals across backend hops.
//
// Client authentication is terminated here, against a
// registry.Registry, rather than relayed through to the backend: the
// proxy owns the cleartext-password check itself.
package session

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"pgcrab/internal/backend"
	"pgcrab/internal/metrics"
	"pgcrab/internal/registry"
	"pgcrab/internal/shardpool"
	"pgcrab/internal/wire"
)

// Stage is the Frontend Session's coarse state.
type Stage int

const (
	StageStartup Stage = iota
	StageAuthenticating
	StageReady
	StageClosing
)

// ConflictPolicy controls Parse-on-same-name-different-signature
// behavior: a process-wide setting, not negotiated per session.
type ConflictPolicy int

const (
	ConflictStrict ConflictPolicy = iota
	ConflictReplace
)

// VirtualStatement is a client-named prepared statement, session-scoped.
type VirtualStatement struct {
	SQL        string
	ParamOIDs  []int32
	Signature  backend.Signature
	Generation uint32
	Closed     bool
}

// PortalBinding ties a client-named portal to the pinned backend's
// portal and the statement signature it was bound from. Cleared at every
// Sync.
type PortalBinding struct {
	BackendConnID       int64
	BackendPortalName   string
	StatementSignature  backend.Signature
}

// Session is one Frontend Session: per-client state machine plus the
// extended-protocol router's session-scoped tables.
type Session struct {
	conn   net.Conn
	r      *bufio.Reader
	reg    *registry.Registry
	pools  *shardpool.Manager
	mx     *metrics.Collector
	logger *slog.Logger
	policy ConflictPolicy

	stage    Stage
	username string
	database string

	virtualStatements map[string]*VirtualStatement
	virtualPortals    map[string]*PortalBinding

	pinned       *shardpool.Borrowed
	pendingSyncs int

	// selectShard picks the backend shard for a new pin. Defaults to
	// reg.RandomShard; overridable (package-internal only, e.g. by tests)
	// for deterministic backend-hop scenarios.
	selectShard func() (registry.ShardRecord, bool)
}

// New constructs a Session over an already-accepted client connection.
func New(conn net.Conn, reg *registry.Registry, pools *shardpool.Manager, mx *metrics.Collector, logger *slog.Logger, policy ConflictPolicy) *Session {
	s := &Session{
		conn:              conn,
		r:                 bufio.NewReader(conn),
		reg:               reg,
		pools:             pools,
		mx:                mx,
		logger:            logger,
		policy:            policy,
		virtualStatements: make(map[string]*VirtualStatement),
		virtualPortals:    make(map[string]*PortalBinding),
	}
	s.selectShard = reg.RandomShard
	return s
}

// Run drives the session to completion: Startup, Authenticating, Ready,
// Closing. It returns nil on a clean client-initiated termination and a
// non-nil error for transport failures (both are logged by the caller,
// never propagated to other sessions).
func (s *Session) Run(ctx context.Context) error {
	if err := s.runStartup(); err != nil {
		return err
	}
	if s.stage != StageAuthenticating {
		return nil // e.g. CancelRequest: handled and done
	}
	if err := s.runAuthenticate(); err != nil {
		return err
	}
	if s.stage != StageReady {
		return nil // auth failed, already reported to client
	}
	err := s.runReady(ctx)
	s.close()
	if err == errClientTerminated {
		return nil
	}
	return err
}

// errClientTerminated ends runReady when the client sends Terminate.
var errClientTerminated = fmt.Errorf("session: client terminated")

func (s *Session) runStartup() error {
	for {
		sf, err := wire.ReadStartupFrame(s.r)
		if err != nil {
			return err
		}
		switch {
		case sf.IsSSLRequest:
			if _, err := s.conn.Write(wire.BuildSSLDecline()); err != nil {
				return err
			}
			continue
		case sf.IsCancelRequest:
			// Cancellation of another session's query is out of scope
			// for this proxy's initial target; acknowledge by closing.
			s.stage = StageClosing
			return nil
		default:
			s.username = sf.Params["user"]
			s.database = sf.Params["database"]
			if _, err := s.conn.Write(wire.BuildAuthenticationCleartextPassword()); err != nil {
				return err
			}
			s.stage = StageAuthenticating
			return nil
		}
	}
}

func (s *Session) runAuthenticate() error {
	tag, payload, err := wire.ReadTypedFrame(s.r)
	if err != nil {
		return err
	}
	if tag != wire.MsgPasswordMsg {
		return s.failAuth("expected PasswordMessage")
	}
	r := wire.NewBuffer(payload)
	password, err := r.ReadString()
	if err != nil {
		return s.failAuth("malformed PasswordMessage")
	}
	if !s.reg.Authenticate(s.username, password) {
		return s.failAuth("password authentication failed")
	}

	writes := [][]byte{
		wire.BuildAuthenticationOk(),
		wire.BuildParameterStatus("server_version", "16.0"),
		wire.BuildParameterStatus("client_encoding", "UTF8"),
		wire.BuildParameterStatus("DateStyle", "ISO, MDY"),
		wire.BuildParameterStatus("TimeZone", "UTC"),
		wire.BuildParameterStatus("integer_datetimes", "on"),
		wire.BuildBackendKeyData(rand.Int31(), rand.Int31()),
		wire.BuildReadyForQuery('I'),
	}
	for _, w := range writes {
		if _, err := s.conn.Write(w); err != nil {
			return err
		}
	}
	s.stage = StageReady
	return nil
}

func (s *Session) failAuth(reason string) error {
	s.logger.Warn("session: authentication failed", "user", s.username, "reason", reason)
	s.conn.Write(wire.BuildErrorResponse("28P01", "password authentication failed"))
	s.stage = StageClosing
	return nil
}

func (s *Session) runReady(ctx context.Context) error {
	for {
		tag, payload, err := wire.ReadTypedFrame(s.r)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, tag, payload); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(ctx context.Context, tag byte, payload []byte) error {
	switch tag {
	case wire.MsgTerminate:
		return errClientTerminated
	case wire.MsgParse:
		return s.handleParse(ctx, payload)
	case wire.MsgBind:
		return s.handleBind(ctx, payload)
	case wire.MsgDescribe:
		return s.handleDescribe(ctx, payload)
	case wire.MsgExecute:
		return s.handleExecute(payload)
	case wire.MsgClose:
		return s.handleClose(payload)
	case wire.MsgSync:
		return s.handleSync()
	case wire.MsgFlush:
		return s.handleFlush()
	case wire.MsgQuery:
		return s.handleQuery(ctx, payload)
	default:
		// Unknown/unsupported frontend message in Ready: ignore rather
		// than tearing down the session, matching the codec's "interpret
		// only what the router needs" scope.
		return nil
	}
}

func (s *Session) close() {
	if s.pinned != nil {
		s.pinned.Discard()
		s.pinned = nil
	}
	s.conn.Close()
}

// ensurePinned acquires a backend for the current cycle if one is not
// already pinned, via selectShard (uniformly at random among configured
// shards by default; query-aware routing is out of scope).
func (s *Session) ensurePinned(ctx context.Context) (*backend.Connection, error) {
	if s.pinned != nil {
		return s.pinned.Conn, nil
	}
	shard, ok := s.selectShard()
	if !ok {
		return nil, s.failCycle("53300", "no shards configured")
	}
	pool := s.pools.GetOrCreate(ctx, shard)
	acquireStart := time.Now()
	b, err := pool.Acquire(ctx)
	if err != nil {
		if s.mx != nil {
			s.mx.PoolExhausted(shard.Name)
		}
		return nil, s.failCycle("53300", "connection pool exhausted")
	}
	s.pinned = b
	if s.mx != nil {
		s.mx.AcquireDuration(shard.Name, time.Since(acquireStart))
		s.mx.ObservePin(shard.Name)
	}
	return b.Conn, nil
}

// releasePinnedIfIdle returns the pinned backend to its pool once no
// Sync/Query reply is outstanding.
func (s *Session) releasePinnedIfIdle() {
	if s.pendingSyncs == 0 && s.pinned != nil {
		s.pinned.Release()
		s.pinned = nil
	}
}

// failCycle writes a synthetic ErrorResponse followed by the trailing
// ReadyForQuery a client expects whenever a cycle is aborted by proxy
// policy rather than forwarded to a backend. It does not itself count
// toward pgcrab_router_conflicts_total: that counter is specifically
// 42P05 (duplicate prepared statement name) rejections, incremented at
// the one call site that emits that code.
func (s *Session) failCycle(code, message string) error {
	if _, err := s.conn.Write(wire.BuildErrorResponse(code, message)); err != nil {
		return err
	}
	_, err := s.conn.Write(wire.BuildReadyForQuery('I'))
	return err
}

func (s *Session) discardPinned() {
	if s.pinned != nil {
		s.pinned.Discard()
		s.pinned = nil
		s.pendingSyncs = 0
	}
}
