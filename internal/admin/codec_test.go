package admin

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	in := []byte("hello")
	var b bytes.Buffer
	if err := WriteFrame(&b, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadFrame(bufio.NewReader(&b))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Fatalf("got %q", out)
	}
}

func TestFrameRejectsOversized(t *testing.T) {
	tooBig := make([]byte, MaxFrameSize+1)
	var b bytes.Buffer
	if err := WriteFrame(&b, tooBig); err == nil {
		t.Fatal("expected error")
	}
}

func TestReadFrameRejectsEmpty(t *testing.T) {
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 0}))); err == nil {
		t.Fatal("expected error")
	}
}

func TestProtoRoundTrip(t *testing.T) {
	req := &AdminRequest{
		RequestId: "1",
		Operation: int32(OperationCatchup),
		Catchup:   &CatchupRequest{Source: "event-log", Component: "indexer", FromEventNumber: 42},
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestId != "1" || Operation(decoded.Operation) != OperationCatchup {
		t.Fatalf("bad decode: %+v", decoded)
	}
	if decoded.Catchup == nil || decoded.Catchup.FromEventNumber != 42 {
		t.Fatalf("bad catchup body: %+v", decoded.Catchup)
	}
}

func TestValidateRequest(t *testing.T) {
	if err := ValidateRequest(nil); err == nil {
		t.Fatal("nil request must fail")
	}
	if err := ValidateRequest(&AdminRequest{}); err == nil {
		t.Fatal("missing operation must fail")
	}
	if err := ValidateRequest(&AdminRequest{Operation: int32(OperationPing)}); err != nil {
		t.Fatal(err)
	}
}
