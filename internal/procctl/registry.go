package procctl

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var instanceBucket = []byte("instance")

// Registry persists the running instance's bookkeeping (pid, start time,
// last reload, last save status) in a small bbolt database alongside the
// lockfile, where Get can read it back without signaling the process. The
// `info` and `test` subcommands do not read it: info signals the owner and
// test prints the owner pid found through the lockfile.
// Grounded on the moby-moby example's use of go.etcd.io/bbolt as an
// embedded metadata store.
type Registry struct {
	db *bbolt.DB
}

// Record is the snapshot persisted to and read from the registry.
type Record struct {
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
	LastReloadAt   time.Time `json:"last_reload_at,omitempty"`
	LastSaveStatus int       `json:"last_save_status"`
	LastSaveAt     time.Time `json:"last_save_at,omitempty"`
}

// OpenRegistry opens (creating if needed) the bbolt database at path.
func OpenRegistry(path string) (*Registry, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("procctl: open registry: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(instanceBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// Put overwrites the single stored record.
func (r *Registry) Put(rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(instanceBucket).Put([]byte("current"), buf)
	})
}

// Get returns the stored record, or the zero Record if none has been
// written yet.
func (r *Registry) Get() (Record, error) {
	var rec Record
	err := r.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(instanceBucket).Get([]byte("current"))
		if buf == nil {
			return nil
		}
		return json.Unmarshal(buf, &rec)
	})
	return rec, err
}
