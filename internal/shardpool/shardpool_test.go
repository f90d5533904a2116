package shardpool

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"pgcrab/internal/registry"
	"pgcrab/internal/wire"
)

// startFakeShard listens on loopback and answers every connection with a
// cleartext-password handshake followed by ReadyForQuery, and then
// answers any simple Query with an immediate ReadyForQuery (as if it were
// DISCARD ALL). A real listener is used rather than net.Pipe since the
// pool dials by host:port.
func startFakeShard(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeShard(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func serveFakeShard(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	n, err := conn.Read(buf) // startup message
	if err != nil {
		return
	}
	_ = buf[:n]
	conn.Write(wire.NewWriter().WriteInt32(3).Frame(wire.MsgAuthentication))
	n, err = conn.Read(buf) // PasswordMessage
	if err != nil {
		return
	}
	conn.Write(wire.NewWriter().WriteInt32(0).Frame(wire.MsgAuthentication))
	conn.Write(wire.BuildParameterStatus("server_version", "16.0"))
	conn.Write(wire.BuildBackendKeyData(1, 2))
	conn.Write(wire.BuildReadyForQuery('I'))

	for {
		n, err = conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				return
			}
			return
		}
		frame, _, err := wire.PeekFrame(buf[:n])
		if err != nil {
			return
		}
		if frame.Tag == wire.MsgQuery {
			conn.Write(wire.BuildReadyForQuery('I'))
		}
	}
}

func TestAcquireReleaseReturnsToIdle(t *testing.T) {
	host, port := startFakeShard(t)
	shard := registry.ShardRecord{
		Name: "shard0", Host: host, Port: port,
		User: "app", Password: "secret",
		MinConnections: 0, MaxConnections: 2,
	}
	p := New(shard, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	stats := p.Stats()
	if stats.InUse != 1 {
		t.Fatalf("InUse = %d, want 1", stats.InUse)
	}
	b.Release()
	stats = p.Stats()
	if stats.InUse != 0 || stats.Idle != 1 {
		t.Fatalf("after release: %+v", stats)
	}
}

func TestAcquireBlocksAtMaxConnections(t *testing.T) {
	host, port := startFakeShard(t)
	shard := registry.ShardRecord{
		Name: "shard0", Host: host, Port: port,
		User: "app", Password: "secret",
		MaxConnections: 1,
	}
	p := New(shard, slog.Default())

	ctx := context.Background()
	b1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(shortCtx); err == nil {
		t.Fatalf("expected second acquire to block until timeout")
	}
	b1.Release()
}
