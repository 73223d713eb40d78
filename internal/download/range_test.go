package download

import "testing"

func TestCalculateChunkSpan(t *testing.T) {
	tests := []struct {
		name        string
		start, end  int64
		chunkSize   int
		totalChunks int
		wantStart   int
		wantEnd     int
		wantOffset  int
		wantEndOff  int
	}{
		{
			name: "single chunk", start: 100, end: 200, chunkSize: 1024, totalChunks: 10,
			wantStart: 0, wantEnd: 0, wantOffset: 100, wantEndOff: 200,
		},
		{
			name: "span multiple chunks", start: 1024, end: 3072, chunkSize: 1024, totalChunks: 10,
			wantStart: 1, wantEnd: 3, wantOffset: 0, wantEndOff: 0,
		},
		{
			name: "exact chunk boundary", start: 2048, end: 4095, chunkSize: 1024, totalChunks: 10,
			wantStart: 2, wantEnd: 3, wantOffset: 0, wantEndOff: 1023,
		},
		{
			name: "clamped to last chunk", start: 9000, end: 20000, chunkSize: 1024, totalChunks: 10,
			wantStart: 8, wantEnd: 9, wantOffset: 808, wantEndOff: 544,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span, err := calculateChunkSpan(tt.start, tt.end, tt.chunkSize, tt.totalChunks)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if span.startChunk != tt.wantStart || span.endChunk != tt.wantEnd {
				t.Errorf("span = (%d,%d), want (%d,%d)", span.startChunk, span.endChunk, tt.wantStart, tt.wantEnd)
			}
			if span.startOffset != tt.wantOffset || span.endOffset != tt.wantEndOff {
				t.Errorf("offsets = (%d,%d), want (%d,%d)", span.startOffset, span.endOffset, tt.wantOffset, tt.wantEndOff)
			}
		})
	}
}

func TestCalculateChunkSpan_invalid(t *testing.T) {
	if _, err := calculateChunkSpan(0, 10, 0, 10); err == nil {
		t.Error("expected error for zero chunk size")
	}
	if _, err := calculateChunkSpan(10, 5, 1024, 10); err == nil {
		t.Error("expected error for end < start")
	}
}

func TestParseHTTPRangeHeader(t *testing.T) {
	tests := []struct {
		name        string
		rangeHeader string
		totalSize   int64
		wantStart   int64
		wantEnd     int64
		wantErr     bool
	}{
		{name: "valid range", rangeHeader: "bytes=100-200", totalSize: 1000, wantStart: 100, wantEnd: 200},
		{name: "open-ended range", rangeHeader: "bytes=100-", totalSize: 1000, wantStart: 100, wantEnd: 999},
		{name: "suffix range", rangeHeader: "bytes=-100", totalSize: 1000, wantStart: 900, wantEnd: 999},
		{name: "invalid format", rangeHeader: "invalid", totalSize: 1000, wantErr: true},
		{name: "out of bounds", rangeHeader: "bytes=5000-6000", totalSize: 1000, wantErr: true},
		{name: "end clamped to size", rangeHeader: "bytes=100-5000", totalSize: 1000, wantStart: 100, wantEnd: 999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := ParseHTTPRangeHeader(tt.rangeHeader, tt.totalSize)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if start != tt.wantStart || end != tt.wantEnd {
				t.Errorf("got (%d,%d), want (%d,%d)", start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}
