package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/logflume/logflume/internal/session/domain"
)

var (
	bucketSessions = []byte("sessions")
	bucketCatalog  = []byte("catalog")
	keyMeta        = []byte("meta")
	bucketLog      = []byte("log")
)

// boltMeta is the per-session metadata record.
type boltMeta struct {
	OSType domain.OSType `json:"osType"`
	Closed bool          `json:"closed"`
}

// BoltStore is an embedded Store implementation on top of bbolt. Sessions are
// nested buckets keyed api key / device / app / start time, with entries
// appended under monotonically increasing sequence keys. bbolt serializes
// file writers; Batch coalesces concurrent appends into shared transactions.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore initializes the root buckets and returns a store backed by db.
// The caller owns db and must close it on shutdown.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketCatalog)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init buckets: %v", ErrUnavailable, err)
	}
	return &BoltStore{db: db}, nil
}

// StoreLogs implements Store.StoreLogs.
func (s *BoltStore) StoreLogs(ctx context.Context, key domain.SessionKey, osType domain.OSType, entries []domain.LogEntry) error {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	err := s.db.Batch(func(tx *bolt.Tx) error {
		sb, err := sessionBucket(tx, key, true)
		if err != nil {
			return err
		}
		var meta boltMeta
		if raw := sb.Get(keyMeta); raw != nil {
			if err := json.Unmarshal(raw, &meta); err != nil {
				return err
			}
			if meta.Closed {
				return ErrSessionClosed
			}
		} else {
			meta = boltMeta{OSType: osType}
			raw, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			if err := sb.Put(keyMeta, raw); err != nil {
				return err
			}
		}
		lb, err := sb.CreateBucketIfNotExists(bucketLog)
		if err != nil {
			return err
		}
		for i := range entries {
			seq, err := lb.NextSequence()
			if err != nil {
				return err
			}
			raw, err := json.Marshal(entries[i])
			if err != nil {
				return err
			}
			if err := lb.Put(seqKey(seq), raw); err != nil {
				return err
			}
		}
		return registerCatalog(tx, key.APIKey, key.Device, key.App)
	})
	return wrapBoltErr(err)
}

// SetSessionOver implements Store.SetSessionOver.
func (s *BoltStore) SetSessionOver(ctx context.Context, key domain.SessionKey) error {
	key = key.Normalize()
	err := s.db.Update(func(tx *bolt.Tx) error {
		sb, err := sessionBucket(tx, key, false)
		if err != nil {
			return err
		}
		var meta boltMeta
		raw := sb.Get(keyMeta)
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		if meta.Closed {
			return nil
		}
		meta.Closed = true
		raw, err = json.Marshal(meta)
		if err != nil {
			return err
		}
		return sb.Put(keyMeta, raw)
	})
	return wrapBoltErr(err)
}

// RetrieveLogs implements Store.RetrieveLogs.
func (s *BoltStore) RetrieveLogs(ctx context.Context, key domain.SessionKey) (domain.OSType, []domain.LogEntry, error) {
	key = key.Normalize()
	var osType domain.OSType
	var entries []domain.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		sb, err := sessionBucket(tx, key, false)
		if err != nil {
			return err
		}
		var meta boltMeta
		raw := sb.Get(keyMeta)
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		osType = meta.OSType
		lb := sb.Bucket(bucketLog)
		if lb == nil {
			return nil
		}
		return lb.ForEach(func(_, v []byte) error {
			var e domain.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return "", nil, wrapBoltErr(err)
	}
	return osType, entries, nil
}

// RetrieveDevices implements Store.RetrieveDevices.
func (s *BoltStore) RetrieveDevices(ctx context.Context, apiKey string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		kb := tx.Bucket(bucketCatalog).Bucket([]byte(apiKey))
		if kb == nil {
			return ErrNotFound
		}
		return kb.ForEachBucket(func(name []byte) error {
			out = append(out, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}
	sort.Strings(out)
	return out, nil
}

// RetrieveApps implements Store.RetrieveApps.
func (s *BoltStore) RetrieveApps(ctx context.Context, apiKey, device string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		kb := tx.Bucket(bucketCatalog).Bucket([]byte(apiKey))
		if kb == nil {
			return ErrNotFound
		}
		db := kb.Bucket([]byte(device))
		if db == nil {
			return ErrNotFound
		}
		return db.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}
	sort.Strings(out)
	return out, nil
}

// RetrieveSessions implements Store.RetrieveSessions. Start-time keys are
// big-endian nanoseconds, so bucket iteration order is already ascending.
func (s *BoltStore) RetrieveSessions(ctx context.Context, apiKey, device, app string) ([]time.Time, error) {
	var out []time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		ab := descend(tx.Bucket(bucketSessions), apiKey, device, app)
		if ab == nil {
			return ErrNotFound
		}
		return ab.ForEachBucket(func(name []byte) error {
			out = append(out, time.Unix(0, int64(binary.BigEndian.Uint64(name))).UTC())
			return nil
		})
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// AddDeviceApp implements Store.AddDeviceApp.
func (s *BoltStore) AddDeviceApp(ctx context.Context, apiKey, device, app string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return registerCatalog(tx, apiKey, device, app)
	})
	return wrapBoltErr(err)
}

// ClearDatastore implements Store.ClearDatastore.
func (s *BoltStore) ClearDatastore(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketCatalog} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapBoltErr(err)
}

// sessionBucket walks sessions/<apiKey>/<device>/<app>/<startTime>. With
// create false, a missing level returns ErrNotFound.
func sessionBucket(tx *bolt.Tx, key domain.SessionKey, create bool) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketSessions)
	names := [][]byte{[]byte(key.APIKey), []byte(key.Device), []byte(key.App), seqKey(uint64(key.StartTime.UnixNano()))}
	for _, name := range names {
		if create {
			nb, err := b.CreateBucketIfNotExists(name)
			if err != nil {
				return nil, err
			}
			b = nb
			continue
		}
		if b = b.Bucket(name); b == nil {
			return nil, ErrNotFound
		}
	}
	return b, nil
}

// descend walks nested buckets by name, returning nil when a level is missing.
func descend(b *bolt.Bucket, names ...string) *bolt.Bucket {
	for _, name := range names {
		if b == nil {
			return nil
		}
		b = b.Bucket([]byte(name))
	}
	return b
}

func registerCatalog(tx *bolt.Tx, apiKey, device, app string) error {
	kb, err := tx.Bucket(bucketCatalog).CreateBucketIfNotExists([]byte(apiKey))
	if err != nil {
		return err
	}
	db, err := kb.CreateBucketIfNotExists([]byte(device))
	if err != nil {
		return err
	}
	return db.Put([]byte(app), nil)
}

func seqKey(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// wrapBoltErr keeps domain sentinels intact and wraps storage-engine
// failures as ErrUnavailable.
func wrapBoltErr(err error) error {
	switch err {
	case nil, ErrNotFound, ErrSessionClosed:
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
