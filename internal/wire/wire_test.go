package wire

import (
	"bytes"
	"testing"
)

func TestDeriveFingerprintStable(t *testing.T) {
	k1 := DeriveFingerprint([]byte("hello"))
	k2 := DeriveFingerprint([]byte("hello"))
	if k1 != k2 {
		t.Fatalf("DeriveFingerprint not deterministic: %+v != %+v", k1, k2)
	}
	k3 := DeriveFingerprint([]byte("world"))
	if k1 == k3 {
		t.Fatalf("distinct keys hashed to identical fingerprint")
	}
}

func TestOpEncodeDecodeRoundTrip(t *testing.T) {
	op := Op{Opcode: OpPut, Key: Key{Bucket: 42, Tag: 7}, ValueLen: 3}
	copy(op.Value[:], "abc")

	buf := append([]byte(nil), EncodeOp(&op)...)
	got, err := DecodeOp(buf)
	if err != nil {
		t.Fatalf("DecodeOp: %v", err)
	}
	if got.Opcode != op.Opcode || got.Key != op.Key || got.ValueLen != op.ValueLen {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, op)
	}
	if !bytes.Equal(got.Value[:got.ValueLen], []byte("abc")) {
		t.Fatalf("value mismatch: %q", got.Value[:got.ValueLen])
	}
}

// R1: encode(ForwardRequest) then decode yields a byte-identical Op field.
func TestForwardRequestRoundTrip(t *testing.T) {
	fr := ForwardRequest{
		Op:               Op{Opcode: OpGet, Key: Key{Bucket: 1, Tag: 2}},
		OriginatorNode:   0,
		TargetNode:       1,
		RequestID:        123456789,
		ClientReturnAddr: Address("10.0.0.5:9000"),
	}
	buf := EncodeForwardRequest(&fr)
	got, err := DecodeForwardRequest(buf)
	if err != nil {
		t.Fatalf("DecodeForwardRequest: %v", err)
	}
	if got.Op != fr.Op {
		t.Fatalf("Op field not byte-identical: got %+v want %+v", got.Op, fr.Op)
	}
	if got.OriginatorNode != fr.OriginatorNode || got.TargetNode != fr.TargetNode ||
		got.RequestID != fr.RequestID || got.ClientReturnAddr != fr.ClientReturnAddr {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, fr)
	}
}

func TestIsForwardRequestAndCreditReturn(t *testing.T) {
	if !IsForwardRequest(int(MicaOpSize) + 1) {
		t.Fatal("expected ForwardRequest classification for oversized payload")
	}
	if IsForwardRequest(int(MicaOpSize)) {
		t.Fatal("a bare Op must not classify as a ForwardRequest")
	}
	if !IsCreditReturn(0) {
		t.Fatal("zero-length payload must classify as a CreditReturn")
	}
}
