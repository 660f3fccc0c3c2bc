package scripted

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/mochi-hpc/sonata/pkg/types"
)

var bucketMeta = []byte("__meta__")

// collMeta tracks id allocation and the live count of one collection.
// It lives in the __meta__ bucket keyed by collection name.
type collMeta struct {
	Next uint64 `json:"next"`
	Size uint64 `json:"size"`
}

// docStore is the key-value layer under the scripting VM. One bucket
// per collection, 8-byte big-endian id keys, record JSON values. The
// file is opened with NoSync so that commit=false writes can batch;
// sync() is the durability barrier.
type docStore struct {
	mu        sync.RWMutex
	db        *bolt.DB
	path      string
	temporary bool
	inMemory  bool
}

func openStore(path string, create, temporary, inMemory bool) (*docStore, error) {
	if inMemory {
		// bbolt has no anonymous mode; a uniquely named temp file that is
		// removed on close gives the same lifetime: gone with the backend.
		path = filepath.Join(os.TempDir(), "sonata-"+uuid.NewString()+".db")
		create = true
		temporary = true
	}
	if path == "" {
		return nil, fmt.Errorf("scripted backend needs to be initialized with a path")
	}
	if _, err := os.Stat(path); err == nil {
		if create {
			return nil, fmt.Errorf("database file %s already exists", path)
		}
	} else if !create {
		return nil, fmt.Errorf("database file %s does not exist", path)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{NoSync: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &docStore{db: db, path: path, temporary: temporary, inMemory: inMemory}, nil
}

func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func readMeta(tx *bolt.Tx, coll string) (collMeta, bool) {
	var m collMeta
	data := tx.Bucket(bucketMeta).Get([]byte(coll))
	if data == nil {
		return m, false
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false
	}
	return m, true
}

func writeMeta(tx *bolt.Tx, coll string, m collMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put([]byte(coll), data)
}

func (s *docStore) handle() (*bolt.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, fmt.Errorf("database has been destroyed")
	}
	return s.db, nil
}

func (s *docStore) createCollection(name string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	if name == string(bucketMeta) {
		return false, fmt.Errorf("invalid collection name")
	}
	created := false
	err = db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) != nil {
			return nil
		}
		if _, err := tx.CreateBucket([]byte(name)); err != nil {
			return err
		}
		created = true
		return writeMeta(tx, name, collMeta{})
	})
	return created, err
}

func (s *docStore) exists(name string) bool {
	db, err := s.handle()
	if err != nil {
		return false
	}
	if name == string(bucketMeta) {
		return false
	}
	found := false
	_ = db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return found
}

func (s *docStore) dropCollection(name string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	dropped := false
	err = db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		if err := tx.DeleteBucket([]byte(name)); err != nil {
			return err
		}
		dropped = true
		return tx.Bucket(bucketMeta).Delete([]byte(name))
	})
	return dropped, err
}

// storeDoc assigns the next id, injects it into record and persists it.
// record must already be serialized JSON of an object.
func (s *docStore) storeDoc(coll, record string) (uint64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var id uint64
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(coll))
		if b == nil {
			return fmt.Errorf("collection does not exist")
		}
		m, _ := readMeta(tx, coll)
		id = m.Next
		stamped, err := types.InjectID(record, id)
		if err != nil {
			return err
		}
		if err := b.Put(idKey(id), []byte(stamped)); err != nil {
			return err
		}
		m.Next++
		m.Size++
		return writeMeta(tx, coll, m)
	})
	return id, err
}

func (s *docStore) fetchByID(coll string, id uint64) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	var record string
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(coll))
		if b == nil {
			return fmt.Errorf("collection does not exist")
		}
		data := b.Get(idKey(id))
		if data == nil {
			return fmt.Errorf("record does not exist")
		}
		record = string(data)
		return nil
	})
	return record, err
}

func (s *docStore) updateRecord(coll string, id uint64, record string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	updated := false
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(coll))
		if b == nil {
			return fmt.Errorf("collection does not exist")
		}
		if b.Get(idKey(id)) == nil {
			return nil
		}
		stamped, err := types.InjectID(record, id)
		if err != nil {
			return err
		}
		if err := b.Put(idKey(id), []byte(stamped)); err != nil {
			return err
		}
		updated = true
		return nil
	})
	return updated, err
}

func (s *docStore) dropRecord(coll string, id uint64) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	dropped := false
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(coll))
		if b == nil {
			return fmt.Errorf("collection does not exist")
		}
		if b.Get(idKey(id)) == nil {
			return nil
		}
		if err := b.Delete(idKey(id)); err != nil {
			return err
		}
		m, _ := readMeta(tx, coll)
		if m.Size > 0 {
			m.Size--
		}
		dropped = true
		return writeMeta(tx, coll, m)
	})
	return dropped, err
}

// fetchAll returns the live records of a collection in id order.
func (s *docStore) fetchAll(coll string) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var records []string
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(coll))
		if b == nil {
			return fmt.Errorf("collection does not exist")
		}
		return b.ForEach(func(_, v []byte) error {
			records = append(records, string(v))
			return nil
		})
	})
	return records, err
}

func (s *docStore) lastRecordID(coll string) (uint64, bool, error) {
	db, err := s.handle()
	if err != nil {
		return 0, false, err
	}
	var next uint64
	err = db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(coll)) == nil {
			return fmt.Errorf("collection does not exist")
		}
		m, _ := readMeta(tx, coll)
		next = m.Next
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if next == 0 {
		return 0, false, nil
	}
	return next - 1, true, nil
}

func (s *docStore) totalRecords(coll string) (uint64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var size uint64
	err = db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(coll)) == nil {
			return fmt.Errorf("collection does not exist")
		}
		m, _ := readMeta(tx, coll)
		size = m.Size
		return nil
	})
	return size, err
}

// sync forces pending pages to disk; the durability barrier behind
// commit=true and Commit().
func (s *docStore) sync() error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Sync()
}

func (s *docStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if s.temporary {
		if rmErr := os.Remove(s.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

func (s *docStore) destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.db = nil
			return err
		}
		s.db = nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove file: %w", err)
	}
	return nil
}
