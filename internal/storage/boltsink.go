package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketJournal = []byte("journal")

// BoltCommitSink durably commits a CommitGroup by writing one record
// per member into a single bbolt transaction and letting bbolt's own
// fsync-on-commit make the whole batch durable at once — the same
// embedded single-file store shape used for the journal in this
// subsystem's lineage orchestrator, repurposed here as the fsync
// barrier a CommitGroup waits on instead of a no-op.
type BoltCommitSink struct {
	db *bolt.DB
}

// NewBoltCommitSink opens (creating if absent) a bbolt database file
// under dataDir and ensures the journal bucket exists.
func NewBoltCommitSink(dataDir string) (*BoltCommitSink, error) {
	path := filepath.Join(dataDir, "concmgr-journal.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: opening journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJournal)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: creating journal bucket: %w", err)
	}
	return &BoltCommitSink{db: db}, nil
}

// Commit writes every payload in record under a key derived from the
// group id and member index, inside one bolt.Update — one fsync for
// the entire group, which is the whole point of group commit.
func (s *BoltCommitSink) Commit(ctx context.Context, record CommitRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		for i, payload := range record.Payloads {
			key := journalKey(record.GroupID, i)
			if err := b.Put(key, payload); err != nil {
				return fmt.Errorf("storage: writing member %d of group %s: %w", i, record.GroupID, err)
			}
		}
		return nil
	})
}

// Close releases the underlying bbolt file handle.
func (s *BoltCommitSink) Close() error {
	return s.db.Close()
}

func journalKey(groupID string, index int) []byte {
	key := make([]byte, len(groupID)+4)
	copy(key, groupID)
	binary.BigEndian.PutUint32(key[len(groupID):], uint32(index))
	return key
}

// MemoryCommitSink is an in-process CommitSink for tests: it records
// every committed group and never fails, unless ForceErr is set.
type MemoryCommitSink struct {
	mu       sync.Mutex
	Groups   []CommitRecord
	ForceErr error
	fsyncs   int
}

// NewMemoryCommitSink returns a ready-to-use MemoryCommitSink.
func NewMemoryCommitSink() *MemoryCommitSink {
	return &MemoryCommitSink{}
}

func (s *MemoryCommitSink) Commit(ctx context.Context, record CommitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForceErr != nil {
		return s.ForceErr
	}
	s.Groups = append(s.Groups, record)
	s.fsyncs++
	return nil
}

// FsyncCount reports how many successful commits this sink has
// performed — the metric scenario S1/S4 check against.
func (s *MemoryCommitSink) FsyncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsyncs
}
