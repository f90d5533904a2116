// Package backend wraps one TCP connection to one shard database: the
// backend startup handshake (cleartext password only), the session reset
// issued before returning a connection to its pool, and the epoch-scoped
// prepared-statement cache the extended protocol router consults and
// mutates.
package backend

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"pgcrab/internal/registry"
	"pgcrab/internal/wire"
)

// ErrUnsupportedAuth is returned when the backend demands anything other
// than AuthenticationOk for a cleartext-password startup.
var ErrUnsupportedAuth = errors.New("backend: unsupported authentication method")

// Signature is the 128-bit identity of a prepared statement: a hash of
// its SQL text and parameter type OIDs, built from two xxhash passes over
// disjoint domains. Only stability and process-local uniqueness are
// required, not adversarial collision resistance.
type Signature [16]byte

var nextConnID int64

// Connection is one live backend socket, exclusively owned by at most one
// session at a time.
type Connection struct {
	ID   int64
	Shard registry.ShardRecord

	conn net.Conn
	r    *bufio.Reader

	Epoch uint64

	preparedBySignature map[Signature]string
	signatureByName     map[string]Signature

	nextStmtID   uint64
	nextPortalID uint64

	createdAt time.Time
}

// Dial opens a fresh backend connection to shard, performs the startup
// handshake (StartupMessage, cleartext password response, parameter
// status / BackendKeyData drain, ReadyForQuery), and returns it idle.
func Dial(ctx context.Context, shard registry.ShardRecord) (*Connection, error) {
	addr := fmt.Sprintf("%s:%d", shard.Host, shard.Port)
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("backend: dial %s: %w", addr, err)
	}
	c := &Connection{
		ID:                   atomic.AddInt64(&nextConnID, 1),
		Shard:                shard,
		conn:                 raw,
		r:                    bufio.NewReader(raw),
		preparedBySignature:  make(map[Signature]string),
		signatureByName:      make(map[string]Signature),
		createdAt:            time.Now(),
	}
	if err := c.handshake(); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connection) handshake() error {
	w := wire.NewWriter()
	w.WriteInt32(0x00030000)
	w.WriteString("user").WriteString(c.Shard.User)
	w.WriteString("database").WriteString(c.Shard.Name)
	w.WriteBytes([]byte{0})
	// A startup message is a typed frame without its leading tag byte.
	msg := w.Frame(0)[1:]
	if _, err := c.conn.Write(msg); err != nil {
		return err
	}

	authType, _, err := c.readAuthMessage()
	if err != nil {
		return err
	}
	switch authType {
	case 0: // AuthenticationOk already
	case 3: // AuthenticationCleartextPassword
		if err := c.sendPassword(c.Shard.Password); err != nil {
			return err
		}
		authType2, _, err := c.readAuthMessage()
		if err != nil {
			return err
		}
		if authType2 != 0 {
			return ErrUnsupportedAuth
		}
	default:
		return ErrUnsupportedAuth
	}

	// Drain ParameterStatus/BackendKeyData until ReadyForQuery.
	for {
		tag, body, err := c.readFrame()
		if err != nil {
			return err
		}
		switch tag {
		case wire.MsgReadyForQuery:
			return nil
		case wire.MsgErrorResponse:
			code, message := wire.ErrorFields(body)
			return fmt.Errorf("backend: startup error %s: %s", code, message)
		}
	}
}

func (c *Connection) readAuthMessage() (int32, []byte, error) {
	tag, body, err := c.readFrame()
	if err != nil {
		return 0, nil, err
	}
	if tag != wire.MsgAuthentication {
		if tag == wire.MsgErrorResponse {
			code, message := wire.ErrorFields(body)
			return 0, nil, fmt.Errorf("backend: auth error %s: %s", code, message)
		}
		return 0, nil, fmt.Errorf("backend: expected Authentication, got %q", tag)
	}
	r := wire.NewBuffer(body)
	authType, err := r.ReadInt32()
	if err != nil {
		return 0, nil, err
	}
	return authType, r.Remaining(), nil
}

func (c *Connection) sendPassword(password string) error {
	w := wire.NewWriter().WriteString(password)
	_, err := c.conn.Write(w.Frame(wire.MsgPasswordMsg))
	return err
}

func (c *Connection) readFrame() (byte, []byte, error) {
	return wire.ReadTypedFrame(c.r)
}

// WriteFrame sends a raw, already-framed message (used by the router to
// forward rewritten client frames and injected Parses).
func (c *Connection) WriteFrame(raw []byte) error {
	_, err := c.conn.Write(raw)
	return err
}

// ReadFrame reads the next complete backend-origin frame.
func (c *Connection) ReadFrame() (byte, []byte, error) {
	return c.readFrame()
}

// NextStmtName allocates a backend-owned prepared statement name, unique
// per connection, scoped into its name by the current epoch so a stale
// name from a prior epoch is never confused with a live one.
func (c *Connection) NextStmtName() string {
	c.nextStmtID++
	return fmt.Sprintf("ps_%d_%d", c.Epoch, c.nextStmtID)
}

// NextPortalName allocates a backend-owned portal name.
func (c *Connection) NextPortalName() string {
	c.nextPortalID++
	return fmt.Sprintf("pt_%d", c.nextPortalID)
}

// LookupSignature reports whether sig is already prepared on this
// backend in the current epoch, returning its backend name.
func (c *Connection) LookupSignature(sig Signature) (string, bool) {
	name, ok := c.preparedBySignature[sig]
	return name, ok
}

// CommitPrepared records that sig is now prepared under name, maintaining
// the prepared_by_signature / signature_by_name inverse invariant.
func (c *Connection) CommitPrepared(sig Signature, name string) {
	c.preparedBySignature[sig] = name
	c.signatureByName[name] = sig
}

// ForgetByName removes a single prepared statement from both maps, used
// for Close(Statement) and for retry-once-on-missing-statement recovery.
func (c *Connection) ForgetByName(name string) {
	if sig, ok := c.signatureByName[name]; ok {
		delete(c.signatureByName, name)
		delete(c.preparedBySignature, sig)
	}
}

// SignatureForName looks up the signature a backend-owned name maps to,
// used to decide whether an ErrorResponse{26000} names a proxy-owned
// statement.
func (c *Connection) SignatureForName(name string) (Signature, bool) {
	sig, ok := c.signatureByName[name]
	return sig, ok
}

// Invalidate clears both prepared-statement maps and bumps the epoch,
// called after DISCARD ALL / DEALLOCATE ALL / RESET ALL is observed, and
// internally by ResetSession.
func (c *Connection) Invalidate() {
	c.Epoch++
	c.preparedBySignature = make(map[Signature]string)
	c.signatureByName = make(map[string]Signature)
}

// ResetSession issues DISCARD ALL as a simple Query, drains until
// ReadyForQuery, and invalidates the prepared-statement cache. Called
// immediately before a connection is returned to its pool's idle deque.
func (c *Connection) ResetSession() error {
	w := wire.NewWriter().WriteString("DISCARD ALL;")
	if err := c.WriteFrame(w.Frame(wire.MsgQuery)); err != nil {
		return err
	}
	for {
		tag, body, err := c.readFrame()
		if err != nil {
			return err
		}
		if tag == wire.MsgReadyForQuery {
			break
		}
		if tag == wire.MsgErrorResponse {
			code, message := wire.ErrorFields(body)
			return fmt.Errorf("backend: DISCARD ALL failed %s: %s", code, message)
		}
	}
	c.Invalidate()
	return nil
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// MakeSignature hashes SQL text and parameter type OIDs into a Signature:
// two xxhash64 passes (first over the SQL bytes, then over that first
// digest followed by the big-endian OID list) concatenated into 128 bits.
func MakeSignature(sql string, paramOIDs []int32) Signature {
	var sig Signature
	h1 := xxhash.Sum64String(sql)
	buf := make([]byte, 8+len(paramOIDs)*4)
	binary.BigEndian.PutUint64(buf[0:8], h1)
	for i, oid := range paramOIDs {
		binary.BigEndian.PutUint32(buf[8+i*4:12+i*4], uint32(oid))
	}
	h2 := xxhash.Sum64(buf)
	binary.BigEndian.PutUint64(sig[0:8], h1)
	binary.BigEndian.PutUint64(sig[8:16], h2)
	return sig
}
