package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/corral/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketVersions = []byte("versions")
	bucketMeta     = []byte("meta")

	keyActive = []byte("active")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "corral.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketVersions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v types.Version) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func putVersion(b *bolt.Bucket, cv *types.ConfigVersion) error {
	stored := *cv
	stored.Groups = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	return b.Put(itob(cv.Version), data)
}

// CreateVersion assigns the next sequence number and stores cv
func (s *BoltStore) CreateVersion(cv *types.ConfigVersion) (types.Version, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate version: %w", err)
		}
		cv.Version = types.Version(seq)
		return putVersion(b, cv)
	})
	if err != nil {
		return 0, err
	}
	return cv.Version, nil
}

func (s *BoltStore) GetVersion(v types.Version) (*types.ConfigVersion, error) {
	var cv types.ConfigVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVersions).Get(itob(v))
		if data == nil {
			return fmt.Errorf("%w: %d", types.ErrVersionNotFound, v)
		}
		return json.Unmarshal(data, &cv)
	})
	if err != nil {
		return nil, err
	}
	return &cv, nil
}

// ListVersions returns every stored version in ascending order
func (s *BoltStore) ListVersions() ([]*types.ConfigVersion, error) {
	var versions []*types.ConfigVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVersions).ForEach(func(k, v []byte) error {
			var cv types.ConfigVersion
			if err := json.Unmarshal(v, &cv); err != nil {
				return err
			}
			versions = append(versions, &cv)
			return nil
		})
	})
	return versions, err
}

func (s *BoltStore) UpdateVersion(cv *types.ConfigVersion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		if b.Get(itob(cv.Version)) == nil {
			return fmt.Errorf("%w: %d", types.ErrVersionNotFound, cv.Version)
		}
		return putVersion(b, cv)
	})
}

func (s *BoltStore) DeleteVersion(v types.Version) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketMeta).Get(keyActive)
		if active != nil && binary.BigEndian.Uint64(active) == uint64(v) {
			return fmt.Errorf("cannot delete active version %d", v)
		}
		return tx.Bucket(bucketVersions).Delete(itob(v))
	})
}

func (s *BoltStore) Activate(active *types.ConfigVersion, superseded ...*types.ConfigVersion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		for _, cv := range append([]*types.ConfigVersion{active}, superseded...) {
			if err := putVersion(b, cv); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keyActive, itob(active.Version))
	})
}

// GetActive returns the active version, or 0 when none has been activated
func (s *BoltStore) GetActive() (types.Version, error) {
	var v types.Version
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyActive); data != nil {
			v = types.Version(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return v, err
}
