package store

import (
	"errors"
	"sort"

	dbm "github.com/tendermint/tm-db"

	"github.com/hybridchain/hybridchain/types"
)

// Reader is the read side shared by dbm.DB and Txn, so lookups can run
// either against committed state or inside a pending transaction.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
}

var (
	_ Reader = (dbm.DB)(nil)
	_ Reader = (*Txn)(nil)
)

var errTxnDone = errors.New("transaction already committed or rolled back")

// Txn buffers writes over a dbm.DB. Reads see the buffered writes first.
// Commit flushes everything in a single synced batch; Rollback drops it.
//
// NOTE: Not goroutine-safe. A Txn belongs to the goroutine that opened it.
type Txn struct {
	db     dbm.DB
	writes map[string][]byte // nil value marks a delete
	done   bool
}

// NewTxn begins a transaction on db.
func NewTxn(db dbm.DB) *Txn {
	return &Txn{db: db, writes: make(map[string][]byte)}
}

// Get returns the pending value for key if any, the committed one otherwise.
func (txn *Txn) Get(key []byte) ([]byte, error) {
	if txn.done {
		return nil, errTxnDone
	}
	if v, ok := txn.writes[string(key)]; ok {
		return v, nil
	}
	return txn.db.Get(key)
}

func (txn *Txn) Has(key []byte) (bool, error) {
	if txn.done {
		return false, errTxnDone
	}
	if v, ok := txn.writes[string(key)]; ok {
		return v != nil, nil
	}
	return txn.db.Has(key)
}

// Set buffers key=value. An empty value is stored as such.
func (txn *Txn) Set(key, value []byte) error {
	if txn.done {
		return errTxnDone
	}
	if value == nil {
		value = []byte{}
	}
	txn.writes[string(key)] = value
	return nil
}

// Delete buffers the removal of key.
func (txn *Txn) Delete(key []byte) error {
	if txn.done {
		return errTxnDone
	}
	txn.writes[string(key)] = nil
	return nil
}

// Len returns the number of buffered writes.
func (txn *Txn) Len() int {
	return len(txn.writes)
}

// Commit writes all buffered changes atomically. Storage failures are
// reported as types.ErrException; the transaction is finished either way.
func (txn *Txn) Commit() error {
	if txn.done {
		return errTxnDone
	}
	txn.done = true

	keys := make([]string, 0, len(txn.writes))
	for k := range txn.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	batch := txn.db.NewBatch()
	defer batch.Close()

	for _, k := range keys {
		v := txn.writes[k]
		var err error
		if v == nil {
			err = batch.Delete([]byte(k))
		} else {
			err = batch.Set([]byte(k), v)
		}
		if err != nil {
			return types.Exceptionf("staging %X: %v", k, err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return types.Exceptionf("committing transaction: %v", err)
	}
	return nil
}

// Rollback discards the buffered writes. It is safe to call after Commit.
func (txn *Txn) Rollback() {
	txn.done = true
	txn.writes = nil
}
