package health

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"pgcrab/internal/metrics"
	"pgcrab/internal/registry"
	"pgcrab/internal/shardpool"
	"pgcrab/internal/wire"
)

// startFakeShard answers the cleartext handshake, then answers every
// simple Query with ReadyForQuery when healthy is true, or with an
// ErrorResponse followed by ReadyForQuery when it is false.
func startFakeShard(t *testing.T, healthy bool) (host string, port int) {
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
			go serveFakeShard(conn, healthy)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func serveFakeShard(conn net.Conn, healthy bool) {
	defer conn.Close()
	buf := make([]byte, 4096)
	if _, err := conn.Read(buf); err != nil {
		return
	}
	conn.Write(wire.NewWriter().WriteInt32(3).Frame(wire.MsgAuthentication))
	if _, err := conn.Read(buf); err != nil {
		return
	}
	conn.Write(wire.NewWriter().WriteInt32(0).Frame(wire.MsgAuthentication))
	conn.Write(wire.BuildReadyForQuery('I'))

	for {
		n, err := conn.Read(buf)
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
		if frame.Tag != wire.MsgQuery {
			continue
		}
		if healthy {
			conn.Write(wire.BuildReadyForQuery('I'))
		} else {
			conn.Write(wire.BuildErrorResponse("58000", "simulated failure"))
			conn.Write(wire.BuildReadyForQuery('I'))
		}
	}
}

func newTestChecker(t *testing.T, healthy bool) (*Checker, string) {
	t.Helper()
	host, port := startFakeShard(t, healthy)
	shard := registry.ShardRecord{
		Name: "shard0", Host: host, Port: port,
		User: "app", Password: "secret", MaxConnections: 2,
	}
	reg := registry.New([]registry.ShardRecord{shard}, nil)
	pools := shardpool.NewManager(slog.Default())
	mx := metrics.New()
	c := NewChecker(reg, pools, mx, slog.Default(), time.Hour, 2, time.Second)
	return c, shard.Name
}

func TestCheckerInitialState(t *testing.T) {
	c, _ := newTestChecker(t, true)
	if !c.IsHealthy("unknown") {
		t.Error("unknown shard should be treated as healthy")
	}
}

func TestCheckAllMarksHealthy(t *testing.T) {
	c, name := newTestChecker(t, true)
	c.checkAll()
	if !c.IsHealthy(name) {
		t.Errorf("expected %s healthy", name)
	}
	status := c.GetStatus(name)
	if status.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", status.Status)
	}
}

func TestCheckAllMarksUnhealthyAfterThreshold(t *testing.T) {
	c, name := newTestChecker(t, false)
	c.checkAll()
	if !c.IsHealthy(name) {
		t.Error("should still be healthy before threshold reached")
	}
	c.checkAll()
	if c.IsHealthy(name) {
		t.Errorf("expected %s unhealthy after reaching failure threshold", name)
	}
	if c.OverallHealthy() {
		t.Error("expected OverallHealthy false")
	}
}

func TestRemoveShardClearsState(t *testing.T) {
	c, name := newTestChecker(t, true)
	c.checkAll()
	c.RemoveShard(name)
	if _, ok := c.GetAllStatuses()[name]; ok {
		t.Errorf("expected %s removed from statuses", name)
	}
}
