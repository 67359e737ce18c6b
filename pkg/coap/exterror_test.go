package coap

import (
	"bytes"
	"testing"
)

// TestExtendedErrorScenario is literally spec.md §8 scenario 6.
func TestExtendedErrorScenario(t *testing.T) {
	input := []byte{
		0x0A, 0x0F, 'o', 'r', 'g', '.', 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'f', 'o', 'o',
		0x10, 0xAB, 0x02,
		0x1A, 0x05, 'h', 'e', 'l', 'l', 'o',
	}

	got, err := DecodeExtendedError(input)
	if err != nil {
		t.Fatalf("DecodeExtendedError: %v", err)
	}
	if got.Namespace != "org.example.foo" || got.Code != -150 || got.Message != "hello" {
		t.Fatalf("unexpected decode: %+v", got)
	}

	reencoded := got.Encode()
	if !bytes.Equal(reencoded, input) {
		t.Fatalf("re-encode mismatch:\n got  % X\n want % X", reencoded, input)
	}
}

func TestExtendedErrorEmptyPayload(t *testing.T) {
	got, err := DecodeExtendedError(nil)
	if err != nil {
		t.Fatalf("DecodeExtendedError(nil): %v", err)
	}
	if got != (ExtendedError{}) {
		t.Fatalf("expected zero value, got %+v", got)
	}
}

func TestExtendedErrorSkipsUnknownTags(t *testing.T) {
	// Field 4, wire type 0 (varint) = tag byte (4<<3)|0 = 0x20, value 7.
	input := []byte{0x20, 0x07, 0x1A, 0x02, 'h', 'i'}
	got, err := DecodeExtendedError(input)
	if err != nil {
		t.Fatalf("DecodeExtendedError: %v", err)
	}
	if got.Message != "hi" {
		t.Fatalf("expected message 'hi', got %+v", got)
	}
}
