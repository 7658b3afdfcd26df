package dag

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Archiver appends successive diagnostic snapshots (ToJSON output) of a
// Graph to a BoltDB file, keyed by run id and timestamp. It is
// grounded on services/orchestrator/persistence.go's WorkflowStore, cut
// down to the single concern of recording run history for later
// inspection. It does NOT restore a Graph's execution state: a Graph
// always starts pending and is rebuilt with AddJob/AddDependency by the
// caller before each run, exactly as if Archiver did not exist.
type Archiver struct {
	db     *bbolt.DB
	bucket []byte
}

var archiverBucket = []byte("dag_snapshots")

// NewArchiver opens (creating if absent) a BoltDB file at path.
func NewArchiver(path string) (*Archiver, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(archiverBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive bucket: %w", err)
	}
	return &Archiver{db: db, bucket: archiverBucket}, nil
}

// Close closes the underlying database.
func (a *Archiver) Close() error { return a.db.Close() }

// Snapshot records g's current ToJSON output under a key combining
// runID and the current time, so a run's history can be read back as
// an ordered sequence of snapshots.
func (a *Archiver) Snapshot(runID string, g *Graph) error {
	data, err := g.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal graph snapshot: %w", err)
	}
	key := fmt.Sprintf("%s:%020d", runID, time.Now().UnixNano())
	return a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(a.bucket).Put([]byte(key), data)
	})
}

// History returns every recorded snapshot for runID, oldest first.
func (a *Archiver) History(runID string) ([][]byte, error) {
	var out [][]byte
	prefix := []byte(runID + ":")
	err := a.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(a.bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			entry := make([]byte, len(v))
			copy(entry, v)
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
