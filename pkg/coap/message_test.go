package coap

import (
	"bytes"
	"testing"
)

func TestBuildParseRoundTrip(t *testing.T) {
	opts := []Option{
		NewStringOption(OptionURIPath, "sensors"),
		NewStringOption(OptionURIPath, "temp"),
		NewUintOption(OptionContentFormat, 0),
		NewOpaqueOption(OptionETag, []byte{0x01, 0x02}),
	}
	msg, err := Build(BuildParams{
		Type:      CON,
		Code:      GET,
		MessageID: 0x1234,
		Token:     []byte{0xAA, 0xBB, 0xCC},
		Options:   opts,
		Payload:   []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	parsed, err := Parse(msg.ToDatagram())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if parsed.Type() != CON || parsed.Code() != GET || parsed.MessageID() != 0x1234 {
		t.Fatalf("header mismatch: %+v", parsed)
	}
	if !bytes.Equal(parsed.Token(), []byte{0xAA, 0xBB, 0xCC}) {
		t.Fatalf("token mismatch: %x", parsed.Token())
	}
	if !bytes.Equal(parsed.Payload(), []byte("hello")) {
		t.Fatalf("payload mismatch: %q", parsed.Payload())
	}

	got := parsed.AllOptions()
	if len(got) != len(opts) {
		t.Fatalf("option count mismatch: got %d want %d", len(got), len(opts))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Number < got[i-1].Number {
			t.Fatalf("options not ascending at %d: %+v", i, got)
		}
	}
}

func TestOptionOrderingOnWire(t *testing.T) {
	// Deliberately out-of-order input; Build must still emit ascending.
	opts := []Option{
		NewUintOption(OptionMaxAge, 30),
		NewStringOption(OptionURIPath, "a"),
		NewUintOption(OptionBlock1, 0),
	}
	original := append([]Option(nil), opts...)

	msg, err := Build(BuildParams{Type: NON, Code: GET, Options: opts})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Caller's slice must be untouched (order and contents).
	for i := range opts {
		if opts[i].Number != original[i].Number {
			t.Fatalf("caller option slice mutated: %+v", opts)
		}
	}

	parsed, err := Parse(msg.ToDatagram())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	nums := parsed.AllOptions()
	for i := 1; i < len(nums); i++ {
		if nums[i].Number < nums[i-1].Number {
			t.Fatalf("wire options not sorted: %+v", nums)
		}
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	buf := []byte{0x00, byte(GET), 0x00, 0x01}
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for version 0")
	}
}

func TestParseRejectsPayloadMarkerWithoutPayload(t *testing.T) {
	buf := []byte{0x40, byte(GET), 0x00, 0x01, 0xFF}
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for empty payload after marker")
	}
}

func TestParseRejectsTruncatedToken(t *testing.T) {
	buf := []byte{0x42, byte(GET), 0x00, 0x01} // tkl=2 but no token bytes follow
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for truncated token")
	}
}

func TestUintOptionOverflow(t *testing.T) {
	opt := NewOpaqueOption(OptionMaxAge, []byte{1, 2, 3, 4, 5})
	if _, err := opt.Uint32(); err == nil {
		t.Fatal("expected overflow error for 5-byte uint value")
	}
}

func TestOptionIteratorFiltersByNumber(t *testing.T) {
	msg, err := Build(BuildParams{
		Type: NON,
		Code: GET,
		Options: []Option{
			NewStringOption(OptionURIPath, "a"),
			NewStringOption(OptionURIPath, "b"),
			NewUintOption(OptionContentFormat, 0),
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	it := msg.InitOptionIterator(FilterNumber(OptionURIPath))
	var segs []string
	for it.Step() {
		segs = append(segs, it.Option().String())
	}
	if len(segs) != 2 || segs[0] != "a" || segs[1] != "b" {
		t.Fatalf("unexpected path segments: %v", segs)
	}
}

func TestUsePayloadInPlaceMutation(t *testing.T) {
	msg, err := Build(BuildParams{Type: NON, Code: GET, PayloadSize: 4})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p := msg.UsePayload()
	copy(p, []byte{1, 2, 3, 4})

	parsed, err := Parse(msg.ToDatagram())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(parsed.Payload(), []byte{1, 2, 3, 4}) {
		t.Fatalf("in-place payload write not reflected: %x", parsed.Payload())
	}
}
