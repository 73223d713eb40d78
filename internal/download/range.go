package download

import (
	"fmt"
	"strings"
)

// chunkSpan identifies the inclusive range of stored chunks that must be
// read to satisfy a plaintext byte range, plus the trim offsets to apply
// to the first and last chunk in that range.
type chunkSpan struct {
	startChunk  int
	endChunk    int
	startOffset int // bytes to skip at the front of startChunk
	endOffset   int // last byte (inclusive) to keep in endChunk, relative to that chunk
}

// calculateChunkSpan maps a plaintext byte range onto the chunk indices that
// contain it, given a uniform chunk size and the content's declared total
// chunk count. The final chunk may be shorter than chunkSize; callers must
// clamp endOffset against the actual chunk length when reading it.
func calculateChunkSpan(start, end int64, chunkSize int, totalChunks int) (chunkSpan, error) {
	if chunkSize <= 0 || totalChunks <= 0 {
		return chunkSpan{}, fmt.Errorf("invalid chunk layout: size=%d count=%d", chunkSize, totalChunks)
	}
	if start < 0 || end < start {
		return chunkSpan{}, fmt.Errorf("invalid byte range %d-%d", start, end)
	}

	startChunk := int(start / int64(chunkSize))
	endChunk := int(end / int64(chunkSize))

	if startChunk >= totalChunks {
		startChunk = totalChunks - 1
	}
	if endChunk >= totalChunks {
		endChunk = totalChunks - 1
	}

	return chunkSpan{
		startChunk:  startChunk,
		endChunk:    endChunk,
		startOffset: int(start % int64(chunkSize)),
		endOffset:   int(end % int64(chunkSize)),
	}, nil
}

// ParseHTTPRangeHeader parses a single-range "bytes=" Range header and
// returns the inclusive plaintext byte range it selects. Multi-range
// requests are not supported; only the first range spec is honored.
func ParseHTTPRangeHeader(rangeHeader string, totalSize int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(rangeHeader, prefix) {
		return 0, 0, fmt.Errorf("invalid range header format")
	}
	rangeSpec := rangeHeader[len(prefix):]
	if idx := strings.IndexByte(rangeSpec, ','); idx >= 0 {
		rangeSpec = rangeSpec[:idx]
	}
	if rangeSpec == "" {
		return 0, 0, fmt.Errorf("empty range spec")
	}

	if rangeSpec[0] == '-' {
		if totalSize <= 0 {
			return 0, 0, fmt.Errorf("suffix range requires known total size")
		}
		var suffix int64
		if _, err := fmt.Sscanf(rangeSpec, "-%d", &suffix); err != nil {
			return 0, 0, fmt.Errorf("invalid suffix range: %w", err)
		}
		start = totalSize - suffix
		if start < 0 {
			start = 0
		}
		end = totalSize - 1
	} else {
		parts := strings.SplitN(rangeSpec, "-", 2)
		if len(parts) != 2 {
			return 0, 0, fmt.Errorf("invalid range format")
		}
		if _, err := fmt.Sscanf(parts[0], "%d", &start); err != nil {
			return 0, 0, fmt.Errorf("invalid start: %w", err)
		}
		if parts[1] == "" {
			if totalSize <= 0 {
				return 0, 0, fmt.Errorf("open-ended range requires known total size")
			}
			end = totalSize - 1
		} else if _, err := fmt.Sscanf(parts[1], "%d", &end); err != nil {
			return 0, 0, fmt.Errorf("invalid end: %w", err)
		}
	}

	if totalSize > 0 {
		if start < 0 || start >= totalSize || end < start {
			return 0, 0, fmt.Errorf("range not satisfiable: %d-%d (size: %d)", start, end, totalSize)
		}
		if end >= totalSize {
			end = totalSize - 1
		}
	}

	return start, end, nil
}
