package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store using BoltDB. Each Kind has its own bucket
// keyed by area ID.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, k := range kinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Save(kind Kind, areaID string, attrs map[string]interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("bucket %q not found", kind)
		}
		data, err := json.Marshal(Record{Attributes: attrs, SavedAt: s.now().UTC()})
		if err != nil {
			return fmt.Errorf("marshal %s snapshot for %s: %w", kind, areaID, err)
		}
		return b.Put([]byte(areaID), data)
	})
}

func (s *BoltStore) Load(kind Kind, areaID string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("bucket %q not found", kind)
		}
		data := b.Get([]byte(areaID))
		if data == nil {
			return fmt.Errorf("%s snapshot for %s: %w", kind, areaID, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) Delete(kind Kind, areaID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("bucket %q not found", kind)
		}
		return b.Delete([]byte(areaID))
	})
}

func (s *BoltStore) List(kind Kind) (map[string]*Record, error) {
	records := make(map[string]*Record)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil // no bucket = no snapshots
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s snapshot for %s: %w", kind, k, err)
			}
			records[string(k)] = &rec
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
