package bundle

import (
	"bytes"
	"testing"
)

func TestEncodeIsDeterministic(t *testing.T) {
	b := Bundle{
		Vault: "vault-1",
		Seqno: 42,
		Legs: []Leg{
			{To: "dest-1", Value: 1.5, Body: []byte("swap"), Mode: ModeDefault},
			{To: "dest-2", Value: 0, Body: nil, Mode: ModeCarryAll},
		},
		RevokeDelegate: "keeper-1",
	}
	first, err := Encode(b)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	second, err := Encode(b)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("encoding is not deterministic")
	}
}

func TestEncodeRejectsEmpty(t *testing.T) {
	if _, err := Encode(Bundle{Vault: "v"}); err == nil {
		t.Fatalf("expected error for bundle without legs")
	}
	if _, err := Encode(Bundle{Legs: []Leg{{To: "d"}}}); err == nil {
		t.Fatalf("expected error for bundle without vault")
	}
	bad := Bundle{Vault: "v", Legs: []Leg{{Value: 1}}}
	if _, err := Encode(bad); err == nil {
		t.Fatalf("expected error for leg without destination")
	}
}

func TestEncodeRevokeChangesPayload(t *testing.T) {
	base := Bundle{Vault: "v", Seqno: 1, Legs: []Leg{{To: "d", Value: 1}}}
	withRevoke := base
	withRevoke.RevokeDelegate = "keeper-1"
	a, err := Encode(base)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	b, err := Encode(withRevoke)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("revocation must be part of the signed payload")
	}
}

func TestAmountToWire(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{1.5, "1.5"},
		{0.000000001, "0.000000001"},
		{100, "100"},
	}
	for _, tc := range cases {
		got, err := amountToWire(tc.in)
		if err != nil {
			t.Fatalf("amountToWire(%f): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("amountToWire(%f) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := amountToWire(-1); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

func TestRoundAmountFitsWire(t *testing.T) {
	// A performance fee computed from a quote-derived equity lands off the
	// nine-decimal grid.
	fee := 0.20 * (110.123456789 - 100)
	if _, err := amountToWire(fee); err == nil {
		t.Fatalf("expected raw fee %v to be rejected", fee)
	}
	got, err := amountToWire(RoundAmount(fee))
	if err != nil {
		t.Fatalf("amountToWire(RoundAmount(%v)): %v", fee, err)
	}
	if got != "2.024691358" {
		t.Fatalf("wire amount = %q, want 2.024691358", got)
	}
}

func TestEncodeAcceptsRoundedFeeLeg(t *testing.T) {
	fee := RoundAmount(0.20 * (110.123456789 - 100))
	b := Bundle{
		Vault: "vault-1",
		Seqno: 1,
		Legs:  []Leg{{To: "collector", Value: fee, Mode: ModeSeparateFees}},
	}
	if _, err := Encode(b); err != nil {
		t.Fatalf("encode with rounded fee leg: %v", err)
	}
}

func TestCommentRoundTrip(t *testing.T) {
	body := EncodeComment("refund abc-123")
	text, ok := DecodeComment(body)
	if !ok || text != "refund abc-123" {
		t.Fatalf("expected decoded comment, got %q (ok=%v)", text, ok)
	}
}

func TestDecodeCommentRawString(t *testing.T) {
	text, ok := DecodeComment([]byte("refund xyz"))
	if !ok || text != "refund xyz" {
		t.Fatalf("expected raw string decode, got %q (ok=%v)", text, ok)
	}
}

func TestDecodeCommentRejectsBinary(t *testing.T) {
	if _, ok := DecodeComment([]byte{0xff, 0xfe, 0x01}); ok {
		t.Fatalf("expected binary body to be rejected")
	}
	if _, ok := DecodeComment(nil); ok {
		t.Fatalf("expected empty body to be rejected")
	}
}
