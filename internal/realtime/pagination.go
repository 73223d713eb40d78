package realtime

// sanitizeOffset coerces a caller-supplied offset per spec: negative values
// become 0.
func sanitizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// sanitizeLimit coerces a caller-supplied limit per spec: zero or negative
// values become 1.
func sanitizeLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	return limit
}

// paginate slices a full, already-ordered list according to a sanitized
// offset/limit, reporting whether more items follow.
func paginate[T any](items []T, offset, limit int) (page []T, hasMore bool) {
	offset = sanitizeOffset(offset)
	limit = sanitizeLimit(limit)

	if offset >= len(items) {
		return nil, false
	}
	end := offset + limit
	if end >= len(items) {
		return items[offset:], false
	}
	return items[offset:end], true
}
