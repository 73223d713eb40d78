package store

// OnChunkFunc receives one chunk's bytes and metadata in ascending
// chunkIndex order. Returning an error aborts the stream early (e.g. the
// HTTP client disconnected); StreamContentForDownload returns that error
// unchanged, so the caller can tell it apart from a store failure.
type OnChunkFunc func(data []byte, meta ChunkMeta) error

// StreamContentForDownload implements streamContentForDownload: a lazy,
// finite sequence of (bytes, meta) pairs in ascending chunkIndex order. It
// holds no lock spanning multiple chunks — each chunk is read independently
// via its own bbolt transaction and its own file read, so a concurrent
// RemoveContent is visible as soon as it commits rather than being blocked
// by this stream or silently missed.
//
// startChunk lets HTTP range resume re-invoke the stream from a specific
// index instead of rewinding a live one, per the streaming contract: this
// sequence is not restartable.
func (s *Store) StreamContentForDownload(contentID string, startChunk int, onChunk OnChunkFunc) error {
	meta, err := s.GetContentMeta(contentID)
	if err != nil {
		return err
	}
	if !meta.IsComplete {
		return errContentNotFound(contentID)
	}

	for i := startChunk; i < meta.TotalChunks; i++ {
		// Re-check existence per step: a remove-content landing between
		// chunks must surface as GONE, not a silent truncation.
		if _, err := s.GetContentMeta(contentID); err != nil {
			return errGone(contentID)
		}

		data, chunkMeta, err := s.GetChunk(contentID, i)
		if err != nil {
			return err
		}
		if err := onChunk(data, chunkMeta); err != nil {
			return err
		}
	}
	return nil
}
