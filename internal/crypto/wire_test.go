package crypto

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestByteVectorMarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		v    ByteVector
		want string
	}{
		{"empty", ByteVector{}, "[]"},
		{"nil", nil, "[]"},
		{"single byte", ByteVector{18}, "[18]"},
		{"multiple bytes", ByteVector{0, 18, 52, 255}, "[0,18,52,255]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.v)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal(%v) = %s, want %s", tt.v, got, tt.want)
			}
		})
	}
}

func TestByteVectorUnmarshalJSON(t *testing.T) {
	var v ByteVector
	if err := json.Unmarshal([]byte("[1,2,3,255]"), &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := ByteVector{1, 2, 3, 255}
	if !reflect.DeepEqual(v, want) {
		t.Errorf("got %v, want %v", v, want)
	}
}

func TestByteVectorUnmarshalJSON_empty(t *testing.T) {
	var v ByteVector
	if err := json.Unmarshal([]byte("[]"), &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v) != 0 {
		t.Errorf("expected empty vector, got %v", v)
	}
}

func TestByteVectorUnmarshalJSON_rejectsNonArray(t *testing.T) {
	var v ByteVector
	if err := json.Unmarshal([]byte(`"c29tZQ=="`), &v); err == nil {
		t.Error("expected error when decoding a base64 string into a ByteVector")
	}
}

func TestByteVectorUnmarshalJSON_rejectsOutOfRange(t *testing.T) {
	var v ByteVector
	if err := json.Unmarshal([]byte("[1,2,256]"), &v); err == nil {
		t.Error("expected error for out-of-range byte value")
	}
	if err := json.Unmarshal([]byte("[1,-1]"), &v); err == nil {
		t.Error("expected error for negative byte value")
	}
}

func TestByteVectorRoundTrip(t *testing.T) {
	type payload struct {
		Fingerprint ByteVector `json:"fingerprint"`
		IV          ByteVector `json:"iv"`
	}
	in := payload{
		Fingerprint: ByteVector{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		IV:          ByteVector{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9},
	}
	encoded, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out payload
	if err := json.Unmarshal(encoded, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch: got %v, want %v", out, in)
	}
}
