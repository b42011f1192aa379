package storage

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
)

var bucketCandidates = []byte("candidates")

// CandidateMeta is display metadata the ledger does not hold.
type CandidateMeta struct {
	ImageURL  string    `json:"imageUrl"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CandidateStore keeps candidate metadata per election in a Bolt file.
type CandidateStore struct {
	db *bolt.DB
}

// OpenCandidateStore opens (and migrates) the Bolt file at path.
func OpenCandidateStore(path string, options *bolt.Options) (*CandidateStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCandidates)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &CandidateStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *CandidateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores metadata for candidate id of the election at contract.
func (s *CandidateStore) Put(contract common.Address, id uint64, meta CandidateMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		election, err := tx.Bucket(bucketCandidates).CreateBucketIfNotExists(contract.Bytes())
		if err != nil {
			return err
		}
		return election.Put(candidateKey(id), raw)
	})
}

// Get returns metadata for one candidate or ErrNotFound.
func (s *CandidateStore) Get(contract common.Address, id uint64) (CandidateMeta, error) {
	var meta CandidateMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		election := tx.Bucket(bucketCandidates).Bucket(contract.Bytes())
		if election == nil {
			return ErrNotFound
		}
		raw := election.Get(candidateKey(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &meta)
	})
	return meta, err
}

// All returns metadata for every candidate of an election keyed by id.
func (s *CandidateStore) All(contract common.Address) (map[uint64]CandidateMeta, error) {
	out := make(map[uint64]CandidateMeta)
	err := s.db.View(func(tx *bolt.Tx) error {
		election := tx.Bucket(bucketCandidates).Bucket(contract.Bytes())
		if election == nil {
			return nil
		}
		return election.ForEach(func(k, v []byte) error {
			id, err := strconv.ParseUint(string(k), 10, 64)
			if err != nil {
				return errors.New("storage: malformed candidate key")
			}
			var meta CandidateMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			out[id] = meta
			return nil
		})
	})
	return out, err
}

func candidateKey(id uint64) []byte {
	return []byte(strconv.FormatUint(id, 10))
}
