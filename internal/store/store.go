package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/BamaHodl/Fulcrum/types"
)

// ErrHeaderNotFound is returned when a header is requested at a height the
// index does not have.
var ErrHeaderNotFound = errors.New("header not found")

const (
	// key prefixes must stay unique across the whole database
	prefixHeader = int64(0)
	prefixCount  = int64(1)
)

/*
Store is the header index: a low level store of raw block headers keyed by
height.

Headers may be committed out of order within a synchronization round since
several download tasks write concurrently. NumHeaders reports the contiguous
prefix indexed from genesis, not the highest key present, so a failed round
that leaves a gap never inflates the local height.

Store is safe for concurrent use.
*/
type Store struct {
	db dbm.DB

	mtx   sync.Mutex
	count int64 // contiguous headers indexed from genesis
}

// NewStore returns a Store backed by db, initialized to the contiguous
// header count previously persisted.
func NewStore(db dbm.DB) (*Store, error) {
	s := &Store{db: db}

	count, err := s.loadCount()
	if err != nil {
		return nil, err
	}
	s.count = count

	// A crash between the batch write and the count update can leave the
	// persisted count behind the data. Roll forward over whatever is there.
	if err := s.advanceCount(); err != nil {
		return nil, err
	}

	return s, nil
}

// NumHeaders returns the number of contiguous headers indexed from genesis,
// which is also the next height to fetch.
func (s *Store) NumHeaders() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.count
}

// Base returns the first indexed height. The index always starts at genesis.
func (s *Store) Base() int64 { return 0 }

// Commit writes a batch of headers atomically and advances the contiguous
// count over any gap the batch may have filled. Re-committing a height
// overwrites the previous entry, which makes round retries idempotent.
func (s *Store) Commit(headers []types.Header) error {
	if len(headers) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, h := range headers {
		if err := h.ValidateBasic(); err != nil {
			return fmt.Errorf("refusing to commit header at height %d: %w", h.Height, err)
		}
		value := make([]byte, 0, len(h.Hash)+len(h.Raw))
		value = append(value, h.Hash...)
		value = append(value, h.Raw...)
		if err := batch.Set(headerKey(h.Height), value); err != nil {
			return err
		}
	}

	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("failed to write header batch: %w", err)
	}

	return s.advanceCount()
}

// LoadHeader reads the header indexed at height.
func (s *Store) LoadHeader(height int64) (*types.Header, error) {
	value, err := s.db.Get(headerKey(height))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("%w: height %d", ErrHeaderNotFound, height)
	}
	if len(value) <= types.RawHeaderLen {
		return nil, fmt.Errorf("corrupt header entry at height %d (%d bytes)", height, len(value))
	}

	hashLen := len(value) - types.RawHeaderLen
	return &types.Header{
		Height: height,
		Hash:   value[:hashLen],
		Raw:    value[hashLen:],
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) loadCount() (int64, error) {
	value, err := s.db.Get(countKey())
	if err != nil {
		return 0, err
	}
	if value == nil {
		return 0, nil
	}

	var count int64
	if _, err := orderedcode.Parse(string(value), &count); err != nil {
		return 0, fmt.Errorf("failed to decode header count: %w", err)
	}
	return count, nil
}

// advanceCount walks forward from the current contiguous count while the next
// expected height is present, then persists the new count.
func (s *Store) advanceCount() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	advanced := false
	for {
		ok, err := s.db.Has(headerKey(s.count))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		s.count++
		advanced = true
	}

	if !advanced {
		return nil
	}

	value, err := orderedcode.Append(nil, s.count)
	if err != nil {
		return err
	}
	return s.db.SetSync(countKey(), value)
}

func headerKey(height int64) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, height)
	if err != nil {
		panic(err)
	}
	return key
}

func countKey() []byte {
	key, err := orderedcode.Append(nil, prefixCount)
	if err != nil {
		panic(err)
	}
	return key
}
