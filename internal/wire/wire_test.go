package wire

import "testing"

func buildParse(name, sql string, paramOIDs []int32) []byte {
	w := NewWriter()
	w.WriteString(name)
	w.WriteString(sql)
	w.WriteInt16(int16(len(paramOIDs)))
	for _, o := range paramOIDs {
		w.WriteInt32(o)
	}
	return w.Frame(MsgParse)
}

func TestPeekFrameTruncated(t *testing.T) {
	if _, _, err := PeekFrame([]byte{MsgSync}); err != ErrTruncatedFrame {
		t.Fatalf("want ErrTruncatedFrame, got %v", err)
	}
}

func TestPeekFrameRoundTrip(t *testing.T) {
	msg := buildParse("s1", "select $1", []int32{23})
	frame, n, err := PeekFrame(msg)
	if err != nil {
		t.Fatalf("PeekFrame: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("consumed %d, want %d", n, len(msg))
	}
	if frame.Tag != MsgParse {
		t.Fatalf("tag = %c, want P", frame.Tag)
	}
	name, sql, oids, err := ParseParse(frame.Payload)
	if err != nil {
		t.Fatalf("ParseParse: %v", err)
	}
	if name != "s1" || sql != "select $1" || len(oids) != 1 || oids[0] != 23 {
		t.Fatalf("got %q %q %v", name, sql, oids)
	}
}

// TestRewriteParseIdentity: rewriting a Parse frame with its own statement
// name reproduces the original frame byte-exactly.
func TestRewriteParseIdentity(t *testing.T) {
	orig := buildParse("s1", "select $1::int", []int32{23})
	frame, _, err := PeekFrame(orig)
	if err != nil {
		t.Fatal(err)
	}
	rewritten, err := RewriteParse(frame.Payload, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if string(rewritten) != string(orig) {
		t.Fatalf("rewrite with same name changed bytes:\n%q\n%q", rewritten, orig)
	}
}

func TestRewriteBindSubstitutesNames(t *testing.T) {
	w := NewWriter()
	w.WriteString("p1")
	w.WriteString("s1")
	w.WriteInt16(0) // param format count
	w.WriteInt16(0) // param count
	w.WriteInt16(0) // result format count
	orig := w.Frame(MsgBind)
	frame, _, err := PeekFrame(orig)
	if err != nil {
		t.Fatal(err)
	}
	rewritten, err := RewriteBind(frame.Payload, "ps_1_1", "pt_1")
	if err != nil {
		t.Fatal(err)
	}
	rf, _, err := PeekFrame(rewritten)
	if err != nil {
		t.Fatal(err)
	}
	portal, stmt, err := ParseBind(rf.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if portal != "pt_1" || stmt != "ps_1_1" {
		t.Fatalf("got portal=%q stmt=%q", portal, stmt)
	}
}

func TestErrorFields(t *testing.T) {
	msg := BuildErrorResponse("26000", `prepared statement "ps_1_1" does not exist`)
	frame, _, err := PeekFrame(msg)
	if err != nil {
		t.Fatal(err)
	}
	code, message := ErrorFields(frame.Payload)
	if code != "26000" {
		t.Fatalf("code = %q", code)
	}
	if message == "" {
		t.Fatalf("empty message")
	}
}

func TestPeekStartupSSLRequest(t *testing.T) {
	msg := []byte{0, 0, 0, 8, 4, 210, 22, 47}
	sf, n, err := PeekStartup(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !sf.IsSSLRequest || n != 8 {
		t.Fatalf("got %+v n=%d", sf, n)
	}
}
