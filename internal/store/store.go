// Package store implements the chunk store: content-addressed, append-only
// persistence of content metadata and chunk bytes, with completion
// tracking, pinning, large-file classification, and quota-driven eviction.
//
// Metadata lives in an embedded bbolt database; chunk payload bytes live on
// the filesystem under storageRoot/<sessionId>/<contentId>/<chunkIndex>.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kenneth/cryptorelay/internal/apperror"
	"go.etcd.io/bbolt"
)

const schemaVersion = 1

var (
	bucketContent      = []byte("content")
	bucketChunks       = []byte("chunks")
	bucketSessionIndex = []byte("session_content")
	bucketMeta         = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

// Store is the chunk store's bbolt + filesystem backed implementation.
type Store struct {
	db                 *bbolt.DB
	storageRoot        string
	largeFileThreshold int64
	buffers            *bufferPool
}

// Options configures a Store at open time.
type Options struct {
	StorageRoot        string
	LargeFileThreshold int64
	BufferPoolObserver bufferPoolObserver
}

// Open creates (or reuses) the metadata database under storageRoot and
// returns a ready Store. The schema version is recorded in the meta bucket;
// FixLargeFileMetadata does not read it and re-checks every record on each
// run, which is safe because the recomputation is idempotent.
func Open(opts Options) (*Store, error) {
	if opts.StorageRoot == "" {
		return nil, errBadRequest("storage root must not be empty")
	}
	if opts.LargeFileThreshold <= 0 {
		return nil, errBadRequest("largeFileThreshold must be positive")
	}

	dbPath := opts.StorageRoot + "/metadata.db"
	if err := ensureDir(opts.StorageRoot); err != nil {
		return nil, errStorageUnavailable("open", err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errStorageUnavailable("open", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketContent, bucketChunks, bucketSessionIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keySchemaVersion) == nil {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, schemaVersion)
			return meta.Put(keySchemaVersion, buf)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errStorageUnavailable("open", err)
	}

	return &Store{
		db:                 db,
		storageRoot:        opts.StorageRoot,
		largeFileThreshold: opts.LargeFileThreshold,
		buffers:            newBufferPool(opts.BufferPoolObserver),
	}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func chunkKey(contentID string, chunkIndex int) []byte {
	key := make([]byte, len(contentID)+1+4)
	copy(key, contentID)
	binary.BigEndian.PutUint32(key[len(contentID)+1:], uint32(chunkIndex))
	return key
}

func chunkKeyPrefix(contentID string) []byte {
	prefix := make([]byte, len(contentID)+1)
	copy(prefix, contentID)
	return prefix
}

func sessionIndexKey(sessionID, contentID string) []byte {
	return []byte(sessionID + "\x00" + contentID)
}

// SaveContent implements saveContent: create or replace the metadata record
// without writing chunk bytes. IsLargeFile is computed once, here, from the
// declared totalSize, and never recomputed by UpdateContentMetadata.
func (s *Store) SaveContent(meta ContentMeta) error {
	meta.IsLargeFile = meta.TotalSize > s.largeFileThreshold
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return putContentMeta(tx, meta)
	})
}

func putContentMeta(tx *bbolt.Tx, meta ContentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal content metadata: %w", err)
	}
	if err := tx.Bucket(bucketContent).Put([]byte(meta.ContentID), data); err != nil {
		return err
	}
	return tx.Bucket(bucketSessionIndex).Put(sessionIndexKey(meta.SessionID, meta.ContentID), nil)
}

// GetContentMeta returns the metadata record for contentID.
func (s *Store) GetContentMeta(contentID string) (ContentMeta, error) {
	var meta ContentMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketContent).Get([]byte(contentID))
		if raw == nil {
			return errContentNotFound(contentID)
		}
		return json.Unmarshal(raw, &meta)
	})
	return meta, err
}

// UpdateContentMetadata implements updateContentMetadata: replace only the
// opaque metadata blob, leaving every other field — including the sticky
// IsLargeFile flag — untouched.
func (s *Store) UpdateContentMetadata(contentID string, additionalMetadata []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketContent)
		raw := b.Get([]byte(contentID))
		if raw == nil {
			return errContentNotFound(contentID)
		}
		var meta ContentMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		meta.AdditionalMetadata = additionalMetadata
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(contentID), data)
	})
}

// MarkContentComplete implements markContentComplete: an idempotent
// transition to isComplete = true.
func (s *Store) MarkContentComplete(contentID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketContent)
		raw := b.Get([]byte(contentID))
		if raw == nil {
			return errContentNotFound(contentID)
		}
		var meta ContentMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		if meta.IsComplete {
			return nil
		}
		meta.IsComplete = true
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(contentID), data)
	})
}

// ChunkInput is the payload passed to SaveChunk.
type ChunkInput struct {
	SessionID   string
	ContentID   string
	ChunkIndex  int
	TotalChunks int
	IV          []byte
	Data        []byte
}

// SaveChunk implements saveChunk: upsert chunk metadata, write the bytes,
// and atomically flip isComplete when this write brings the received chunk
// count up to totalChunks. The filesystem write happens outside the bbolt
// transaction (bbolt cannot participate in it), but the completion decision
// itself is made and committed as a single bbolt transaction, so a torn
// write can only ever under-count, never over-count, completion.
func (s *Store) SaveChunk(in ChunkInput) error {
	if in.ChunkIndex < 0 || (in.TotalChunks > 0 && in.ChunkIndex >= in.TotalChunks) {
		return errBadRequest(fmt.Sprintf("chunkIndex %d out of range [0,%d)", in.ChunkIndex, in.TotalChunks))
	}

	if err := writeChunkFile(s.storageRoot, in.SessionID, in.ContentID, in.ChunkIndex, in.Data); err != nil {
		return errStorageUnavailable("saveChunk", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		cmeta := ChunkMeta{ContentID: in.ContentID, ChunkIndex: in.ChunkIndex, Size: len(in.Data), IV: in.IV}
		data, err := json.Marshal(cmeta)
		if err != nil {
			return err
		}
		if err := chunks.Put(chunkKey(in.ContentID, in.ChunkIndex), data); err != nil {
			return err
		}

		count := countChunksLocked(chunks, in.ContentID)

		content := tx.Bucket(bucketContent)
		raw := content.Get([]byte(in.ContentID))
		if raw == nil {
			return nil // metadata arrives separately; nothing to complete yet
		}
		var meta ContentMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		if !meta.IsComplete && meta.TotalChunks > 0 && count >= meta.TotalChunks {
			meta.IsComplete = true
			out, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			return content.Put([]byte(in.ContentID), out)
		}
		return nil
	})
}

func countChunksLocked(chunks *bbolt.Bucket, contentID string) int {
	prefix := chunkKeyPrefix(contentID)
	c := chunks.Cursor()
	count := 0
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		count++
	}
	return count
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// GetReceivedChunkCount implements getReceivedChunkCount.
func (s *Store) GetReceivedChunkCount(contentID string) (int, error) {
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = countChunksLocked(tx.Bucket(bucketChunks), contentID)
		return nil
	})
	return count, err
}

// GetChunkMetadata implements getChunkMetadata.
func (s *Store) GetChunkMetadata(contentID string, chunkIndex int) (ChunkMeta, error) {
	var meta ChunkMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get(chunkKey(contentID, chunkIndex))
		if raw == nil {
			return errContentNotFound(contentID)
		}
		return json.Unmarshal(raw, &meta)
	})
	return meta, err
}

// GetChunk implements getChunk: metadata plus payload bytes.
func (s *Store) GetChunk(contentID string, chunkIndex int) ([]byte, ChunkMeta, error) {
	meta, err := s.GetChunkMetadata(contentID, chunkIndex)
	if err != nil {
		return nil, ChunkMeta{}, err
	}
	data, err := readChunkFile(s.storageRoot, sessionIDForContent(s, contentID), contentID, chunkIndex)
	if err != nil {
		return nil, ChunkMeta{}, err
	}
	return data, meta, nil
}

// sessionIDForContent looks up the owning session id so chunk reads can
// locate the right path without callers having to carry it everywhere.
func sessionIDForContent(s *Store, contentID string) string {
	meta, err := s.GetContentMeta(contentID)
	if err != nil {
		return ""
	}
	return meta.SessionID
}

// IsLargeFile implements isLargeFile(contentId).
func (s *Store) IsLargeFile(contentID string) (bool, error) {
	meta, err := s.GetContentMeta(contentID)
	if err != nil {
		return false, err
	}
	return meta.IsLargeFile, nil
}

// ListContent implements listContent: only isComplete items, ordered
// isPinned DESC, createdAt DESC. limit <= 0 means unbounded.
func (s *Store) ListContent(sessionID string, limit int) ([]ContentMeta, error) {
	var items []ContentMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		content := tx.Bucket(bucketContent)
		prefix := []byte(sessionID + "\x00")
		c := tx.Bucket(bucketSessionIndex).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			contentID := string(k[len(prefix):])
			raw := content.Get([]byte(contentID))
			if raw == nil {
				continue
			}
			var meta ContentMeta
			if err := json.Unmarshal(raw, &meta); err != nil {
				return err
			}
			if !meta.IsComplete {
				continue
			}
			items = append(items, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].IsPinned != items[j].IsPinned {
			return items[i].IsPinned // pinned first
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// PinContent implements pinContent: idempotent; rejects once the session
// already holds maxPinnedItemsPerSession pinned items.
func (s *Store) PinContent(contentID string, maxPinnedItemsPerSession int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		content := tx.Bucket(bucketContent)
		raw := content.Get([]byte(contentID))
		if raw == nil {
			return errContentNotFound(contentID)
		}
		var meta ContentMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		if meta.IsPinned {
			return nil
		}
		if maxPinnedItemsPerSession > 0 {
			pinned := countPinnedLocked(tx, meta.SessionID)
			if pinned >= maxPinnedItemsPerSession {
				return errPinLimitExceeded(meta.SessionID)
			}
		}
		meta.IsPinned = true
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return content.Put([]byte(contentID), data)
	})
}

// UnpinContent implements unpinContent: a no-op on an already-unpinned item.
func (s *Store) UnpinContent(contentID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		content := tx.Bucket(bucketContent)
		raw := content.Get([]byte(contentID))
		if raw == nil {
			return errContentNotFound(contentID)
		}
		var meta ContentMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		if !meta.IsPinned {
			return nil
		}
		meta.IsPinned = false
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return content.Put([]byte(contentID), data)
	})
}

func countPinnedLocked(tx *bbolt.Tx, sessionID string) int {
	content := tx.Bucket(bucketContent)
	prefix := []byte(sessionID + "\x00")
	c := tx.Bucket(bucketSessionIndex).Cursor()
	count := 0
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		contentID := k[len(prefix):]
		raw := content.Get(contentID)
		if raw == nil {
			continue
		}
		var meta ContentMeta
		if json.Unmarshal(raw, &meta) == nil && meta.IsPinned {
			count++
		}
	}
	return count
}

// RemoveContent implements removeContent: atomically delete the metadata,
// chunk-metadata rows, and session index entry; payload files are removed
// after the metadata transaction commits, so a reader that already has the
// metadata row sees GONE on its next filesystem read rather than a
// half-deleted record.
func (s *Store) RemoveContent(contentID string) error {
	var sessionID string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		content := tx.Bucket(bucketContent)
		raw := content.Get([]byte(contentID))
		if raw == nil {
			return errContentNotFound(contentID)
		}
		var meta ContentMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		sessionID = meta.SessionID

		if err := content.Delete([]byte(contentID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSessionIndex).Delete(sessionIndexKey(sessionID, contentID)); err != nil {
			return err
		}
		return deleteChunkRangeLocked(tx.Bucket(bucketChunks), contentID)
	})
	if err != nil {
		return err
	}
	return removeContentDir(s.storageRoot, sessionID, contentID)
}

func deleteChunkRangeLocked(chunks *bbolt.Bucket, contentID string) error {
	prefix := chunkKeyPrefix(contentID)
	c := chunks.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := chunks.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// CleanupOldContent implements cleanupOldContent: non-pinned completed
// content ordered by createdAt DESC, skip the first maxItems, delete the
// rest. Pinned content is never counted and never evicted.
func (s *Store) CleanupOldContent(sessionID string, maxItems int) ([]string, error) {
	all, err := s.ListContent(sessionID, 0)
	if err != nil {
		return nil, err
	}

	var nonPinned []ContentMeta
	for _, m := range all {
		if !m.IsPinned {
			nonPinned = append(nonPinned, m)
		}
	}
	sort.Slice(nonPinned, func(i, j int) bool { return nonPinned[i].CreatedAt.After(nonPinned[j].CreatedAt) })

	if maxItems < 0 {
		maxItems = 0
	}
	if len(nonPinned) <= maxItems {
		return nil, nil
	}

	var removed []string
	for _, m := range nonPinned[maxItems:] {
		if err := s.RemoveContent(m.ContentID); err != nil {
			return removed, err
		}
		removed = append(removed, m.ContentID)
	}
	return removed, nil
}

// CleanupAllSessionContent implements cleanupAllSessionContent: delete all
// content for a session, pinned or not.
func (s *Store) CleanupAllSessionContent(sessionID string) error {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(sessionID + "\x00")
		c := tx.Bucket(bucketSessionIndex).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.RemoveContent(id); err != nil && !isNotFound(err) {
			return err
		}
	}
	return removeSessionDir(s.storageRoot, sessionID)
}

func isNotFound(err error) bool {
	return apperror.Is(err, apperror.KindContentNotFound)
}

// FixLargeFileMetadata implements fixLargeFileMetadata: a one-shot
// migration that recomputes IsLargeFile from TotalSize across every
// record. Idempotent by construction — IsLargeFile = TotalSize > threshold
// is a pure function of already-stored data, so re-running it any number of
// times converges to the same result.
func (s *Store) FixLargeFileMetadata() (int, error) {
	fixed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		content := tx.Bucket(bucketContent)
		return content.ForEach(func(k, v []byte) error {
			var meta ContentMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			want := meta.TotalSize > s.largeFileThreshold
			if meta.IsLargeFile == want {
				return nil
			}
			meta.IsLargeFile = want
			data, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			fixed++
			return content.Put(k, data)
		})
	})
	return fixed, err
}
