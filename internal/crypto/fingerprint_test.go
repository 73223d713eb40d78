package crypto

import "testing"

func TestFingerprintsEqual(t *testing.T) {
	a := []byte{1, 2, 3, 4}
	b := []byte{1, 2, 3, 4}
	c := []byte{1, 2, 3, 5}
	d := []byte{1, 2, 3}

	if !FingerprintsEqual(a, b) {
		t.Error("expected equal fingerprints to compare equal")
	}
	if FingerprintsEqual(a, c) {
		t.Error("expected differing fingerprints to compare unequal")
	}
	if FingerprintsEqual(a, d) {
		t.Error("expected differing lengths to compare unequal")
	}
	if !FingerprintsEqual(nil, nil) {
		t.Error("expected two nil fingerprints to compare equal")
	}
}

func TestValidFingerprint(t *testing.T) {
	tests := []struct {
		name string
		fp   []byte
		want bool
	}{
		{"too short", make([]byte, MinFingerprintSize-1), false},
		{"minimum size", make([]byte, MinFingerprintSize), true},
		{"longer", make([]byte, MinFingerprintSize*2), true},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidFingerprint(tt.fp); got != tt.want {
				t.Errorf("ValidFingerprint(len=%d) = %v, want %v", len(tt.fp), got, tt.want)
			}
		})
	}
}
