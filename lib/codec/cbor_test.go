// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sampleSnapshot struct {
	SessionID uint64 `cbor:"session_id"`
	Name      string `cbor:"name,omitempty"`
	LastEvent uint64 `cbor:"last_event"`
	CaughtUp  bool   `cbor:"caught_up"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleSnapshot{SessionID: 7, Name: "Quarterly plans", LastEvent: 1042, CaughtUp: true}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleSnapshot
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{"zeta": 1, "alpha": "a", "mid": []any{true, uint64(3)}}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestUnmarshalAnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal([]any{uint64(1), "two", map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded []any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("decoded %d elements, want 3", len(decoded))
	}
	if _, ok := decoded[0].(uint64); !ok {
		t.Errorf("element 0 decoded as %T, want uint64", decoded[0])
	}
	if _, ok := decoded[2].(map[string]any); !ok {
		t.Errorf("element 2 decoded as %T, want map[string]any", decoded[2])
	}
}
