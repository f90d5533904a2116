package session

import (
	"context"
	"fmt"
	"strings"

	"pgcrab/internal/backend"
	"pgcrab/internal/wire"
)

// handleParse implements spec §4.5 Parse: dedup fast path on matching
// signature, strict-or-replace conflict policy on a differing one, and
// backend-side dedup (suppress the injected Parse if the pinned backend
// already has this signature prepared).
func (s *Session) handleParse(ctx context.Context, payload []byte) error {
	name, sql, paramOIDs, err := wire.ParseParse(payload)
	if err != nil {
		return s.failCycle("08P01", "malformed Parse")
	}
	sig := backend.MakeSignature(sql, paramOIDs)

	generation := uint32(1)
	if existing, ok := s.virtualStatements[name]; ok {
		if existing.Signature == sig {
			// Dedup fast path: reply without touching the backend.
			if s.mx != nil {
				s.mx.IncDedupHit()
			}
			_, err := s.conn.Write(wire.BuildParseComplete())
			return err
		}
		if s.policy == ConflictStrict {
			if s.mx != nil {
				s.mx.IncConflict()
			}
			return s.failCycle("42P05", fmt.Sprintf("prepared statement %q already exists", name))
		}
		generation = existing.Generation + 1
	}

	s.virtualStatements[name] = &VirtualStatement{
		SQL: sql, ParamOIDs: paramOIDs, Signature: sig, Generation: generation,
	}

	be, err := s.ensurePinned(ctx)
	if err != nil {
		return err
	}

	if _, ok := be.LookupSignature(sig); ok {
		// Already prepared on this backend from an earlier cycle:
		// suppress the frame, reply locally.
		_, err := s.conn.Write(wire.BuildParseComplete())
		return err
	}

	return s.injectParse(be, sig, sql, paramOIDs, true)
}

// injectParse sends a backend Parse for sig under a freshly allocated
// backend statement name and reads its immediate response.
// forwardComplete controls whether the resulting ParseComplete is
// relayed to the client (true for a client-originated Parse) or
// suppressed (false for a Bind/Describe-triggered prepare injection).
func (s *Session) injectParse(be *backend.Connection, sig backend.Signature, sql string, paramOIDs []int32, forwardComplete bool) error {
	backendName := be.NextStmtName()
	w := wire.NewWriter()
	w.WriteString(backendName)
	w.WriteString(sql)
	w.WriteInt16(int16(len(paramOIDs)))
	for _, oid := range paramOIDs {
		w.WriteInt32(oid)
	}
	if err := be.WriteFrame(w.Frame(wire.MsgParse)); err != nil {
		return err
	}
	if s.mx != nil {
		s.mx.IncInjected()
	}

	tag, body, err := be.ReadFrame()
	if err != nil {
		return err
	}
	switch tag {
	case wire.MsgParseComplete:
		be.CommitPrepared(sig, backendName)
		if forwardComplete {
			_, err := s.conn.Write(wire.BuildParseComplete())
			return err
		}
		return nil
	case wire.MsgErrorResponse:
		code, message := wire.ErrorFields(body)
		s.discardPinned()
		return s.failCycle(code, message)
	default:
		return fmt.Errorf("session: unexpected backend response to injected Parse: %q", tag)
	}
}

// handleBind implements spec §4.5 Bind: resolve the statement, inject a
// prepare if the pinned backend doesn't have it yet, then rewrite and
// forward.
func (s *Session) handleBind(ctx context.Context, payload []byte) error {
	portalName, stmtName, err := wire.ParseBind(payload)
	if err != nil {
		return s.failCycle("08P01", "malformed Bind")
	}
	vs, ok := s.virtualStatements[stmtName]
	if !ok {
		return s.failCycle("26000", fmt.Sprintf("prepared statement %q does not exist", stmtName))
	}

	be, err := s.ensurePinned(ctx)
	if err != nil {
		return err
	}

	if _, ok := be.LookupSignature(vs.Signature); !ok {
		if err := s.injectParse(be, vs.Signature, vs.SQL, vs.ParamOIDs, false); err != nil {
			return err
		}
	}

	backendPortalName := be.NextPortalName()
	// send rebuilds the rewritten Bind from the statement's *current*
	// backend name each call, since a retry may have re-injected Parse
	// under a freshly allocated name.
	send := func() error {
		backendStmtName, _ := be.LookupSignature(vs.Signature)
		rewritten, err := wire.RewriteBind(payload, backendStmtName, backendPortalName)
		if err != nil {
			return err
		}
		return be.WriteFrame(rewritten)
	}
	if err := send(); err != nil {
		return err
	}

	tag, body, err := s.readBackendOnceWithRetry(be, send, stmtName, vs)
	if err != nil {
		return err
	}
	switch tag {
	case wire.MsgBindComplete:
		s.virtualPortals[portalName] = &PortalBinding{
			BackendConnID:      be.ID,
			BackendPortalName:  backendPortalName,
			StatementSignature: vs.Signature,
		}
		_, err := s.conn.Write(wire.BuildBindComplete())
		return err
	case wire.MsgErrorResponse:
		code, message := wire.ErrorFields(body)
		return s.failCycle(code, message)
	default:
		return fmt.Errorf("session: unexpected backend response to Bind: %q", tag)
	}
}

// readBackendOnceWithRetry reads one response frame for an already-sent
// request, implementing retry-once-on-missing-statement (§4.5): if the
// backend reports 26000 for a proxy-owned name, the cache entry is
// cleared, the statement re-prepared, the original request resent via
// resend, and the response re-read — once.
func (s *Session) readBackendOnceWithRetry(be *backend.Connection, resend func() error, clientStmtName string, vs *VirtualStatement) (byte, []byte, error) {
	tag, body, err := be.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	if tag != wire.MsgErrorResponse {
		return tag, body, nil
	}
	code, message := wire.ErrorFields(body)
	if code != "26000" || !strings.Contains(message, "does not exist") {
		return tag, body, nil
	}
	missingName := extractQuotedName(message)
	if missingName == "" {
		return tag, body, nil
	}
	if _, owned := be.SignatureForName(missingName); !owned {
		return tag, body, nil
	}
	be.ForgetByName(missingName)
	if s.mx != nil {
		s.mx.IncRetry()
	}
	if err := s.injectParse(be, vs.Signature, vs.SQL, vs.ParamOIDs, false); err != nil {
		return 0, nil, err
	}
	if err := resend(); err != nil {
		return 0, nil, err
	}
	return be.ReadFrame()
}

func extractQuotedName(message string) string {
	start := strings.IndexByte(message, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(message[start+1:], '"')
	if end < 0 {
		return ""
	}
	return message[start+1 : start+1+end]
}

// handleDescribe implements spec §4.5 Describe.
func (s *Session) handleDescribe(ctx context.Context, payload []byte) error {
	kind, name, err := wire.ParseDescribe(payload)
	if err != nil {
		return s.failCycle("08P01", "malformed Describe")
	}

	be, err := s.ensurePinned(ctx)
	if err != nil {
		return err
	}

	var backendName string
	var vs *VirtualStatement
	switch kind {
	case wire.DescribeStatement:
		var ok bool
		vs, ok = s.virtualStatements[name]
		if !ok {
			return s.failCycle("26000", fmt.Sprintf("prepared statement %q does not exist", name))
		}
		// TODO: cache ParameterDescription/RowDescription per signature so a
		// Describe on a backend that already prepared this signature in an
		// earlier cycle (but not on the currently pinned connection) can be
		// answered without a round trip. Today Describe always re-queries
		// whichever backend is pinned.
		if bn, ok := be.LookupSignature(vs.Signature); ok {
			backendName = bn
		} else {
			if err := s.injectParse(be, vs.Signature, vs.SQL, vs.ParamOIDs, false); err != nil {
				return err
			}
			backendName, _ = be.LookupSignature(vs.Signature)
		}
	case wire.DescribePortal:
		pb, ok := s.virtualPortals[name]
		if !ok {
			return s.failCycle("34000", fmt.Sprintf("portal %q does not exist", name))
		}
		backendName = pb.BackendPortalName
	default:
		return s.failCycle("08P01", "unrecognized Describe kind")
	}

	// send rebuilds the rewritten Describe from the statement's *current*
	// backend name each call, since a retry may have re-injected Parse
	// under a freshly allocated name.
	send := func() error {
		bn := backendName
		if kind == wire.DescribeStatement {
			bn, _ = be.LookupSignature(vs.Signature)
		}
		rewritten, err := wire.RewriteDescribe(payload, kind, bn)
		if err != nil {
			return err
		}
		return be.WriteFrame(rewritten)
	}
	if err := send(); err != nil {
		return err
	}

	var tag byte
	var body []byte
	if kind == wire.DescribeStatement {
		tag, body, err = s.readBackendOnceWithRetry(be, send, name, vs)
	} else {
		tag, body, err = be.ReadFrame()
	}
	if err != nil {
		return err
	}
	if tag == wire.MsgErrorResponse {
		code, message := wire.ErrorFields(body)
		return s.failCycle(code, message)
	}
	if err := s.forwardBackendFrame(tag, body); err != nil {
		return err
	}
	if tag == wire.MsgParamDescription {
		// A statement Describe is answered by ParameterDescription followed
		// by RowDescription or NoData.
		tag, body, err = be.ReadFrame()
		if err != nil {
			return err
		}
		return s.forwardBackendFrame(tag, body)
	}
	return nil
}

// handleExecute implements spec §4.5 Execute.
func (s *Session) handleExecute(payload []byte) error {
	portalName, err := wire.ParseExecute(payload)
	if err != nil {
		return s.failCycle("08P01", "malformed Execute")
	}
	pb, ok := s.virtualPortals[portalName]
	if !ok {
		return s.failCycle("34000", fmt.Sprintf("portal %q does not exist", portalName))
	}
	if s.pinned == nil || pb.BackendConnID != s.pinned.Conn.ID {
		// Proxy-internal invariant violation: the portal's backend isn't
		// the one pinned for this cycle.
		return s.failCycle("58000", "internal routing error")
	}
	be := s.pinned.Conn
	rewritten, err := wire.RewriteExecute(payload, pb.BackendPortalName)
	if err != nil {
		return s.failCycle("08P01", "malformed Execute")
	}
	if err := be.WriteFrame(rewritten); err != nil {
		return err
	}
	return s.relayExecuteResults(be)
}

// relayExecuteResults forwards DataRow frames until the terminating
// CommandComplete/EmptyQueryResponse/PortalSuspended/ErrorResponse.
func (s *Session) relayExecuteResults(be *backend.Connection) error {
	for {
		tag, body, err := be.ReadFrame()
		if err != nil {
			return err
		}
		if err := s.forwardBackendFrame(tag, body); err != nil {
			return err
		}
		switch tag {
		case wire.MsgCommandComplete, wire.MsgEmptyQuery, wire.MsgPortalSuspended, wire.MsgErrorResponse:
			return nil
		}
	}
}

// handleClose implements spec §4.5 Close.
func (s *Session) handleClose(payload []byte) error {
	kind, name, err := wire.ParseClose(payload)
	if err != nil {
		return s.failCycle("08P01", "malformed Close")
	}
	switch kind {
	case wire.DescribeStatement:
		vs, ok := s.virtualStatements[name]
		delete(s.virtualStatements, name)
		if ok && s.pinned != nil {
			be := s.pinned.Conn
			if backendName, ok := be.LookupSignature(vs.Signature); ok {
				rewritten, err := wire.RewriteClose(payload, kind, backendName)
				if err == nil {
					be.WriteFrame(rewritten)
					be.ReadFrame() // CloseComplete or ErrorResponse, not forwarded further
					be.ForgetByName(backendName)
				}
			}
		}
	case wire.DescribePortal:
		pb, ok := s.virtualPortals[name]
		delete(s.virtualPortals, name)
		if ok && s.pinned != nil && pb.BackendConnID == s.pinned.Conn.ID {
			be := s.pinned.Conn
			rewritten, err := wire.RewriteClose(payload, kind, pb.BackendPortalName)
			if err == nil {
				be.WriteFrame(rewritten)
				be.ReadFrame()
			}
		}
	}
	_, err = s.conn.Write(wire.BuildCloseComplete())
	return err
}

// handleSync implements spec §4.5 Sync: forward, track pending_syncs,
// clear virtual_portals and release the pinned backend once every
// outstanding ReadyForQuery has been seen.
func (s *Session) handleSync() error {
	be, err := s.ensurePinned(context.Background())
	if err != nil {
		return err
	}
	if err := be.WriteFrame(wire.NewWriter().Frame(wire.MsgSync)); err != nil {
		return err
	}
	s.pendingSyncs++

	tag, body, err := be.ReadFrame()
	if err != nil {
		return err
	}
	if err := s.forwardBackendFrame(tag, body); err != nil {
		return err
	}
	if tag == wire.MsgReadyForQuery {
		s.virtualPortals = make(map[string]*PortalBinding)
		s.pendingSyncs--
		s.releasePinnedIfIdle()
	}
	return nil
}

// handleFlush implements spec §4.5 Flush: forward, no bookkeeping.
func (s *Session) handleFlush() error {
	if s.pinned == nil {
		return nil
	}
	return s.pinned.Conn.WriteFrame(wire.NewWriter().Frame(wire.MsgFlush))
}

// handleQuery implements spec §4.5 simple Query: its own cycle, forwarded
// to the pinned backend, scanned for DISCARD ALL / DEALLOCATE ALL / RESET
// ALL to schedule an invalidation after the cycle's ReadyForQuery.
func (s *Session) handleQuery(ctx context.Context, payload []byte) error {
	r := wire.NewBuffer(payload)
	sql, err := r.ReadString()
	if err != nil {
		return s.failCycle("08P01", "malformed Query")
	}

	be, err := s.ensurePinned(ctx)
	if err != nil {
		return err
	}
	invalidateAfter := scanForInvalidation(sql)

	if err := be.WriteFrame(wire.NewWriter().WriteString(sql).Frame(wire.MsgQuery)); err != nil {
		return err
	}
	s.pendingSyncs++

	for {
		tag, body, err := be.ReadFrame()
		if err != nil {
			return err
		}
		if err := s.forwardBackendFrame(tag, body); err != nil {
			return err
		}
		if tag == wire.MsgReadyForQuery {
			s.pendingSyncs--
			if invalidateAfter {
				be.Invalidate()
			}
			s.releasePinnedIfIdle()
			return nil
		}
	}
}

// scanForInvalidation reports whether sql (case-insensitively, ignoring
// leading whitespace) contains one of the session-resetting statements
// that invalidate a backend's prepared-statement cache. Single
// DEALLOCATE <name> is intentionally not parsed or tracked: it only drops
// one backend-owned name, and the next Bind of that signature re-injects
// it safely.
func scanForInvalidation(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	return strings.Contains(upper, "DISCARD ALL") ||
		strings.Contains(upper, "DEALLOCATE ALL") ||
		strings.Contains(upper, "RESET ALL")
}

// forwardBackendFrame relays one backend-origin frame to the client
// byte-exactly, reconstructing the wire bytes from tag+payload.
func (s *Session) forwardBackendFrame(tag byte, payload []byte) error {
	_, err := s.conn.Write(wire.NewWriter().WriteBytes(payload).Frame(tag))
	return err
}
