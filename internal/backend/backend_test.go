package backend

import (
	"bufio"
	"net"
	"testing"

	"pgcrab/internal/registry"
	"pgcrab/internal/wire"
)

func TestMakeSignatureStableAndDistinct(t *testing.T) {
	a := MakeSignature("select $1", []int32{23})
	b := MakeSignature("select $1", []int32{23})
	if a != b {
		t.Fatalf("same inputs produced different signatures")
	}
	c := MakeSignature("select $1", []int32{25})
	if a == c {
		t.Fatalf("different param OIDs produced the same signature")
	}
	d := MakeSignature("select $2", []int32{23})
	if a == d {
		t.Fatalf("different SQL produced the same signature")
	}
}

func TestNameAllocationIsEpochScoped(t *testing.T) {
	c := &Connection{preparedBySignature: map[Signature]string{}, signatureByName: map[string]Signature{}}
	n1 := c.NextStmtName()
	if n1 != "ps_0_1" {
		t.Fatalf("got %q", n1)
	}
	c.Invalidate()
	n2 := c.NextStmtName()
	if n2 != "ps_1_1" {
		t.Fatalf("got %q, want epoch-scoped name", n2)
	}
}

func TestPreparedMapsStayInverse(t *testing.T) {
	c := &Connection{preparedBySignature: map[Signature]string{}, signatureByName: map[string]Signature{}}
	sig := MakeSignature("select 1", nil)
	c.CommitPrepared(sig, "ps_0_1")
	if name, ok := c.LookupSignature(sig); !ok || name != "ps_0_1" {
		t.Fatalf("LookupSignature failed: %q %v", name, ok)
	}
	if got, ok := c.SignatureForName("ps_0_1"); !ok || got != sig {
		t.Fatalf("SignatureForName failed")
	}
	c.ForgetByName("ps_0_1")
	if _, ok := c.LookupSignature(sig); ok {
		t.Fatalf("signature still present after ForgetByName")
	}
	if _, ok := c.SignatureForName("ps_0_1"); ok {
		t.Fatalf("name still present after ForgetByName")
	}
}

// fakeBackendCleartext drives the server half of a net.Pipe the way a real
// PostgreSQL backend would for a cleartext-password handshake.
func fakeBackendCleartext(t *testing.T, server net.Conn, password string) {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := server.Read(buf)
	if err != nil {
		t.Errorf("fake backend: read startup: %v", err)
		return
	}
	_ = buf[:n] // startup message, not otherwise inspected

	server.Write(wire.NewWriter().WriteInt32(3).Frame(wire.MsgAuthentication))

	n, err = server.Read(buf)
	if err != nil {
		t.Errorf("fake backend: read password: %v", err)
		return
	}
	frame, _, err := wire.PeekFrame(buf[:n])
	if err != nil || frame.Tag != wire.MsgPasswordMsg {
		t.Errorf("fake backend: expected PasswordMessage, got %+v err=%v", frame, err)
		return
	}

	server.Write(wire.NewWriter().WriteInt32(0).Frame(wire.MsgAuthentication))
	server.Write(wire.BuildParameterStatus("server_version", "16.0"))
	server.Write(wire.BuildBackendKeyData(1234, 5678))
	server.Write(wire.BuildReadyForQuery('I'))
}

func TestHandshakeCleartext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	shard := registry.ShardRecord{Name: "shard0", User: "app", Password: "secret"}
	c := &Connection{
		conn:                client,
		r:                   bufio.NewReader(client),
		preparedBySignature: map[Signature]string{},
		signatureByName:     map[string]Signature{},
		Shard:               shard,
	}

	done := make(chan error, 1)
	go fakeBackendCleartext(t, server, shard.Password)
	go func() {
		done <- c.handshake()
	}()

	if err := <-done; err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
}
