// Package lending persists the sub-loan ledger: sub-loan records, journal
// operations, the account registry, BRLC balances and credit-line stats, all
// RLP-encoded under hashed keys in a storage.Database.
//
// Mutations go through a Session. A session is a write overlay over the
// database: reads see pending writes first, Commit flushes them in write
// order and Discard drops them, so a failed request leaves no trace. The
// service binds the engines to a fresh session per request.
package lending

import (
	"errors"
	"fmt"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
	"github.com/cloudwalk/brlc-monorepo-sub002/native/creditline"
	ledger "github.com/cloudwalk/brlc-monorepo-sub002/native/lending"
	"github.com/cloudwalk/brlc-monorepo-sub002/storage"
)

var (
	_ ledger.LedgerState = (*Session)(nil)
	_ ledger.Treasury    = (*Session)(nil)
	_ creditline.State   = (*Session)(nil)
)

var (
	// ErrNilDatabase is returned by NewStore when no backend is supplied.
	ErrNilDatabase = errors.New("state: database must not be nil")
	// ErrPoolNotConfigured is returned by treasury transfers when the store
	// was built without a liquidity pool address.
	ErrPoolNotConfigured = errors.New("state: liquidity pool address not configured")
	// ErrZeroAddress is returned when a transfer names an unset account.
	ErrZeroAddress = errors.New("state: zero address")
	// ErrInvalidTransferAmount is returned for nil or negative amounts.
	ErrInvalidTransferAmount = errors.New("state: transfer amount must not be negative")
)

// Store owns the database handle and the fixed treasury wiring. It is cheap
// to share; all mutation state lives in sessions.
type Store struct {
	db   storage.Database
	pool crypto.Address
}

// NewStore creates a store over the provided database. The pool address is
// the account all treasury transfers settle against; it may be zero for
// read-only uses, in which case transfers fail.
func NewStore(db storage.Database, pool crypto.Address) (*Store, error) {
	if db == nil {
		return nil, ErrNilDatabase
	}
	return &Store{db: db, pool: pool}, nil
}

// PoolAddress returns the configured liquidity pool account.
func (st *Store) PoolAddress() crypto.Address {
	return st.pool
}

// Begin opens a new session over the store. Sessions are independent; writes
// become visible to other sessions only after Commit.
func (st *Store) Begin() *Session {
	return &Session{
		store:  st,
		writes: make(map[string][]byte),
	}
}

// Session is a request-scoped view of the ledger state. It implements the
// state interfaces of the lending and creditline engines.
//
// A Session is not safe for concurrent use.
type Session struct {
	store  *Store
	writes map[string][]byte
	order  []string
}

// get reads through the overlay. Missing keys report found=false.
func (s *Session) get(key []byte) ([]byte, bool, error) {
	if value, ok := s.writes[string(key)]; ok {
		return value, true, nil
	}
	value, err := s.store.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Session) put(key, value []byte) {
	k := string(key)
	if _, ok := s.writes[k]; !ok {
		s.order = append(s.order, k)
	}
	s.writes[k] = value
}

// Commit flushes every pending write to the database in write order and
// resets the session for reuse.
func (s *Session) Commit() error {
	for _, k := range s.order {
		if err := s.store.db.Put([]byte(k), s.writes[k]); err != nil {
			return fmt.Errorf("state: flush session: %w", err)
		}
	}
	s.reset()
	return nil
}

// Discard drops every pending write and resets the session for reuse.
func (s *Session) Discard() {
	s.reset()
}

// Pending reports the number of keys waiting to be flushed.
func (s *Session) Pending() int {
	return len(s.order)
}

func (s *Session) reset() {
	s.writes = make(map[string][]byte)
	s.order = s.order[:0]
}
