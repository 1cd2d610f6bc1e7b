package store

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	dbm "github.com/tendermint/tm-db"

	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
	"github.com/hybridchain/hybridchain/libs/log"
	"github.com/hybridchain/hybridchain/types"
)

/*
HeaderStore persists every header the node has seen, across all competing
branches, plus the index of the current best chain.

There are three tables:
  - headers:  hash -> {parent, status, header}
  - best:     height -> {hash, timestamp}, one entry per best-chain height
  - children: (parent, child) -> nil, to enumerate forks

Headers are never removed. The best index only changes through ChangeBest,
which rewrites it in one atomic batch.
*/
type HeaderStore struct {
	db     dbm.DB
	logger log.Logger

	// gate serializes best-index mutations. Readers of the best index take
	// the read side so they never see half of a ChangeBest.
	gate sync.RWMutex

	headers *lru.Cache // hash -> HeaderInfo
	heights *lru.Cache // height -> best hash
}

// HeaderInfo is a header together with its verification status.
type HeaderInfo struct {
	Header *types.Header
	Status types.HeaderStatus
}

func (hi HeaderInfo) copy() HeaderInfo {
	return HeaderInfo{Header: hi.Header.Copy(), Status: hi.Status}
}

type headerRecord struct {
	Parent tmbytes.HexBytes   `cbor:"1,keyasint"`
	Status types.HeaderStatus `cbor:"2,keyasint"`
	Header *types.Header      `cbor:"3,keyasint"`
}

type bestRecord struct {
	Hash      tmbytes.HexBytes `cbor:"1,keyasint"`
	Timestamp int64            `cbor:"2,keyasint"`
}

// NewHeaderStore returns a HeaderStore over db with header and height caches
// of cacheSize entries each.
func NewHeaderStore(db dbm.DB, cacheSize int, logger log.Logger) (*HeaderStore, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	headers, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	heights, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &HeaderStore{
		db:      db,
		logger:  logger.With("module", "store"),
		headers: headers,
		heights: heights,
	}, nil
}

// DB exposes the backing database for components that keep their own
// tables next to the headers.
func (s *HeaderStore) DB() dbm.DB {
	return s.db
}

//-----------------------------------------------------------------------------
// Selectors

type selectorKind uint8

const (
	selectByHash selectorKind = iota
	selectAtHeight
	selectLatest
)

// Selector names a header by hash, by height on a branch, or as the best tip.
type Selector struct {
	kind   selectorKind
	hash   []byte
	height int64
	branch []byte
}

// ByHash selects the header with the given hash.
func ByHash(hash []byte) Selector {
	return Selector{kind: selectByHash, hash: hash}
}

// AtHeight selects the best-chain header at height.
func AtHeight(height int64) Selector {
	return Selector{kind: selectAtHeight, height: height}
}

// AtHeightOn selects the header at height on the branch ending at tip.
func AtHeightOn(height int64, tip []byte) Selector {
	return Selector{kind: selectAtHeight, height: height, branch: tip}
}

// Latest selects the best tip.
func Latest() Selector {
	return Selector{kind: selectLatest}
}

func (sel Selector) String() string {
	switch sel.kind {
	case selectByHash:
		return fmt.Sprintf("hash %X", sel.hash)
	case selectAtHeight:
		if sel.branch != nil {
			return fmt.Sprintf("height %d on %X", sel.height, sel.branch)
		}
		return fmt.Sprintf("best height %d", sel.height)
	default:
		return "latest"
	}
}

//-----------------------------------------------------------------------------
// Reads

// GetHeader resolves sel. It returns types.ErrNotFound when nothing matches
// and types.ErrException on storage failure or corruption.
func (s *HeaderStore) GetHeader(sel Selector) (HeaderInfo, error) {
	switch sel.kind {
	case selectByHash:
		return s.getByHash(sel.hash)

	case selectLatest:
		s.gate.RLock()
		height, err := s.heightLocked()
		if err != nil {
			s.gate.RUnlock()
			return HeaderInfo{}, err
		}
		hash, err := s.bestHashLocked(height)
		s.gate.RUnlock()
		if err != nil {
			return HeaderInfo{}, err
		}
		return s.getByHash(hash)

	case selectAtHeight:
		if sel.height < 0 {
			return HeaderInfo{}, types.InvalidParamf("negative height %d", sel.height)
		}
		if sel.branch == nil {
			s.gate.RLock()
			hash, err := s.bestHashLocked(sel.height)
			s.gate.RUnlock()
			if err != nil {
				return HeaderInfo{}, err
			}
			return s.getByHash(hash)
		}
		return s.getOnBranch(sel.height, sel.branch)

	default:
		return HeaderInfo{}, types.InvalidParamf("unknown selector %d", sel.kind)
	}
}

func (s *HeaderStore) getOnBranch(height int64, tip []byte) (HeaderInfo, error) {
	info, err := s.getByHash(tip)
	if err != nil {
		return HeaderInfo{}, err
	}
	if height > info.Header.Number {
		return HeaderInfo{}, types.NotFoundf("height %d above branch tip %d", height, info.Header.Number)
	}
	for info.Header.Number > height {
		// Once the walk joins the best chain the index answers directly.
		if _, err := s.GetHeightOnBest(info.Header.Hash()); err == nil {
			return s.GetHeader(AtHeight(height))
		}
		if info, err = s.getByHash(info.Header.PrevHash); err != nil {
			return HeaderInfo{}, err
		}
	}
	return info, nil
}

// getByHash must not be called with the gate held.
func (s *HeaderStore) getByHash(hash []byte) (HeaderInfo, error) {
	if v, ok := s.headers.Get(string(hash)); ok {
		return v.(HeaderInfo).copy(), nil
	}

	// UpdateVerified drops entries under the gate.
	s.gate.RLock()
	defer s.gate.RUnlock()

	rec, err := s.loadRecord(s.db, hash)
	if err != nil {
		return HeaderInfo{}, err
	}
	info := HeaderInfo{Header: rec.Header, Status: rec.Status}
	s.headers.Add(string(hash), info)
	return info.copy(), nil
}

func (s *HeaderStore) loadRecord(r Reader, hash []byte) (*headerRecord, error) {
	bz, err := r.Get(headerKey(hash))
	if err != nil {
		return nil, types.Exceptionf("loading header %X: %v", hash, err)
	}
	if len(bz) == 0 {
		return nil, types.NotFoundf("header %X", hash)
	}
	rec := new(headerRecord)
	if err := types.Unmarshal(bz, rec); err != nil {
		return nil, types.Exceptionf("corrupt header %X: %v", hash, err)
	}
	if rec.Header == nil || !bytes.Equal(rec.Header.Hash(), hash) {
		return nil, types.Exceptionf("corrupt header %X: content does not match key", hash)
	}
	return rec, nil
}

// bestHashLocked requires the gate, read or write.
func (s *HeaderStore) bestHashLocked(height int64) ([]byte, error) {
	if v, ok := s.heights.Get(height); ok {
		return v.([]byte), nil
	}
	rec, err := s.loadBest(height)
	if err != nil {
		return nil, err
	}
	s.heights.Add(height, []byte(rec.Hash))
	return rec.Hash, nil
}

func (s *HeaderStore) loadBest(height int64) (*bestRecord, error) {
	bz, err := s.db.Get(bestKey(height))
	if err != nil {
		return nil, types.Exceptionf("loading best height %d: %v", height, err)
	}
	if len(bz) == 0 {
		return nil, types.NotFoundf("no best header at height %d", height)
	}
	rec := new(bestRecord)
	if err := types.Unmarshal(bz, rec); err != nil {
		return nil, types.Exceptionf("corrupt best entry %d: %v", height, err)
	}
	return rec, nil
}

// Height returns the height of the best tip.
func (s *HeaderStore) Height() (int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.heightLocked()
}

func (s *HeaderStore) heightLocked() (int64, error) {
	iter, err := s.db.ReverseIterator(bestKey(0), bestKey(maxHeight))
	if err != nil {
		return -1, types.Exceptionf("scanning best index: %v", err)
	}
	defer iter.Close()

	if iter.Valid() {
		height, err := decodeBestKey(iter.Key())
		if err != nil {
			return -1, types.Exceptionf("corrupt best key: %v", err)
		}
		return height, nil
	}
	if err := iter.Error(); err != nil {
		return -1, types.Exceptionf("scanning best index: %v", err)
	}
	return -1, types.NotFoundf("empty best index, genesis missing")
}

// GetHeaderRange walks parent links from the header with hash from.
// With count > 0 it returns count headers in ascending order ending at from;
// with count < 0 it returns -count headers in descending order starting at
// from. types.ErrInvalidParam is returned when the walk would pass genesis.
func (s *HeaderStore) GetHeaderRange(from []byte, count int) ([]*types.Header, error) {
	if count == 0 {
		return []*types.Header{}, nil
	}
	info, err := s.getByHash(from)
	if err != nil {
		return nil, err
	}

	n := count
	if n < 0 {
		n = -n
	}
	if int64(n) > info.Header.Number+1 {
		return nil, types.InvalidParamf("range of %d from height %d passes genesis", n, info.Header.Number)
	}

	out := make([]*types.Header, 0, n)
	out = append(out, info.Header)
	for len(out) < n {
		if info, err = s.getByHash(info.Header.PrevHash); err != nil {
			return nil, err
		}
		out = append(out, info.Header)
	}

	if count > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// GetHeightOnBest returns the height of hash if, and only if, it is on the
// best chain.
func (s *HeaderStore) GetHeightOnBest(hash []byte) (int64, error) {
	info, err := s.getByHash(hash)
	if err != nil {
		return -1, err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	best, err := s.bestHashLocked(info.Header.Number)
	if err != nil {
		return -1, err
	}
	if !bytes.Equal(best, hash) {
		return -1, types.NotFoundf("header %X is not on the best chain", hash)
	}
	return info.Header.Number, nil
}

// GetNextHeaders returns every direct child of hash, across branches.
func (s *HeaderStore) GetNextHeaders(hash []byte) ([]*types.Header, error) {
	children, err := s.childHashes(hash)
	if err != nil {
		return nil, err
	}

	out := make([]*types.Header, 0, len(children))
	for _, child := range children {
		info, err := s.getByHash(child)
		if err != nil {
			return nil, err
		}
		out = append(out, info.Header)
	}
	return out, nil
}

func (s *HeaderStore) childHashes(parent []byte) ([][]byte, error) {
	start := childrenPrefix(parent)
	iter, err := s.db.Iterator(start, PrefixEnd(start))
	if err != nil {
		return nil, types.Exceptionf("scanning children of %X: %v", parent, err)
	}
	defer iter.Close()

	var children [][]byte
	for ; iter.Valid(); iter.Next() {
		child, err := decodeChildKey(iter.Key())
		if err != nil {
			return nil, types.Exceptionf("corrupt child key: %v", err)
		}
		children = append(children, child)
	}
	if err := iter.Error(); err != nil {
		return nil, types.Exceptionf("scanning children of %X: %v", parent, err)
	}
	return children, nil
}

//-----------------------------------------------------------------------------
// Writes

// SaveHeader persists a header that is not (yet) on the best chain. The
// parent must be known. The best index is left untouched.
func (s *HeaderStore) SaveHeader(h *types.Header) error {
	if err := h.ValidateBasic(); err != nil {
		return types.InvalidParamf("header: %v", err)
	}
	if h.Number == 0 {
		return types.InvalidParamf("genesis must be created with CreateGenesis")
	}

	txn := NewTxn(s.db)
	defer txn.Rollback()

	if err := s.saveToTxn(txn, h, types.StatusNotVerified); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *HeaderStore) saveToTxn(txn *Txn, h *types.Header, status types.HeaderStatus) error {
	hash := h.Hash()
	has, err := txn.Has(headerKey(hash))
	if err != nil {
		return types.Exceptionf("checking header %X: %v", hash, err)
	}
	if has {
		return types.Exceptionf("duplicate header %X", hash)
	}

	if h.Number > 0 {
		parent, err := s.loadRecord(txn, h.PrevHash)
		if err != nil {
			return err
		}
		if parent.Header.Number+1 != h.Number {
			return types.InvalidParamf("header #%d does not follow parent #%d", h.Number, parent.Header.Number)
		}
		if err := txn.Set(childKey(h.PrevHash, hash), nil); err != nil {
			return types.Exceptionf("staging child link: %v", err)
		}
	}

	return s.putRecord(txn, hash, &headerRecord{
		Parent: h.PrevHash,
		Status: status,
		Header: h,
	})
}

func (s *HeaderStore) putRecord(txn *Txn, hash []byte, rec *headerRecord) error {
	bz, err := types.Marshal(rec)
	if err != nil {
		return types.Exceptionf("encoding header %X: %v", hash, err)
	}
	if err := txn.Set(headerKey(hash), bz); err != nil {
		return types.Exceptionf("staging header %X: %v", hash, err)
	}
	return nil
}

func putBest(txn *Txn, height int64, hash []byte, timestamp int64) error {
	bz, err := types.Marshal(bestRecord{Hash: hash, Timestamp: timestamp})
	if err != nil {
		return types.Exceptionf("encoding best entry %d: %v", height, err)
	}
	return txn.Set(bestKey(height), bz)
}

// CreateGenesis persists h as the verified height-0 header and the first
// best-index entry. Creating the same genesis twice is a no-op.
func (s *HeaderStore) CreateGenesis(h *types.Header) error {
	if h.Number != 0 {
		return types.InvalidParamf("genesis must be at height 0, got %d", h.Number)
	}
	if err := h.ValidateBasic(); err != nil {
		return types.InvalidParamf("genesis: %v", err)
	}
	hash := h.Hash()

	s.gate.Lock()
	defer s.gate.Unlock()

	existing, err := s.loadBest(0)
	switch {
	case err == nil:
		if bytes.Equal(existing.Hash, hash) {
			return nil
		}
		return types.InvalidParamf("genesis %X already exists, refusing %X", existing.Hash, hash)
	case !isNotFound(err):
		return err
	}

	txn := NewTxn(s.db)
	defer txn.Rollback()

	if err := s.saveToTxn(txn, h, types.StatusVerified); err != nil {
		return err
	}
	if err := putBest(txn, 0, hash, h.Timestamp); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}

	s.heights.Purge()
	s.logger.Info("created genesis", "hash", hash)
	return nil
}

// ChangeBest makes h the best tip. It walks back from h to the first height
// whose best entry already equals the walked header, drops every best entry
// above that ancestor, writes the new branch and marks h verified, all in
// one transaction. If h is already on the best chain only its status is
// updated and the entries above it stay. h is stored first if it is not known yet. A concurrent
// call waits for this one to finish.
func (s *HeaderStore) ChangeBest(h *types.Header) error {
	if err := h.ValidateBasic(); err != nil {
		return types.InvalidParamf("header: %v", err)
	}
	hash := h.Hash()

	s.gate.Lock()
	defer s.gate.Unlock()

	txn := NewTxn(s.db)
	defer txn.Rollback()

	rec, err := s.loadRecord(s.db, hash)
	switch {
	case err == nil:
		rec.Status = types.StatusVerified
		if err := s.putRecord(txn, hash, rec); err != nil {
			return err
		}
	case isNotFound(err):
		if h.Number == 0 {
			return types.InvalidParamf("genesis must be created with CreateGenesis")
		}
		if err := s.saveToTxn(txn, h, types.StatusVerified); err != nil {
			return err
		}
	default:
		return err
	}

	type entry struct {
		height    int64
		hash      []byte
		timestamp int64
	}

	var (
		path     []entry
		ancestor int64
		cur      = h
		curHash  = hash
	)
	for {
		best, err := s.bestHashLocked(cur.Number)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil && bytes.Equal(best, curHash) {
			ancestor = cur.Number
			break
		}
		path = append(path, entry{cur.Number, curHash, cur.Timestamp})
		if cur.Number == 0 {
			return types.InvalidParamf("header %X does not descend from the stored genesis", hash)
		}
		parent, err := s.loadRecord(txn, cur.PrevHash)
		if err != nil {
			return err
		}
		cur, curHash = parent.Header, cur.PrevHash
	}

	// h already on the best chain: nothing above it is dropped
	var dropped int
	if len(path) > 0 {
		if dropped, err = stageDropBest(s.db, txn, ancestor+1); err != nil {
			return err
		}
	}

	for _, e := range path {
		if err := putBest(txn, e.height, e.hash, e.timestamp); err != nil {
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		return err
	}

	s.heights.Purge()
	s.headers.Remove(string(hash))

	if len(path) > 0 {
		s.logger.Debug("changed best",
			"height", h.Number,
			"hash", tmbytes.HexBytes(hash),
			"ancestor", ancestor,
			"dropped", dropped,
		)
	}
	return nil
}

// stageDropBest stages the deletion of every best entry from height up.
func stageDropBest(db dbm.DB, txn *Txn, height int64) (int, error) {
	iter, err := db.Iterator(bestKey(height), bestKey(maxHeight))
	if err != nil {
		return 0, types.Exceptionf("scanning best index: %v", err)
	}
	defer iter.Close()

	var dropped int
	for ; iter.Valid(); iter.Next() {
		if err := txn.Delete(iter.Key()); err != nil {
			return 0, types.Exceptionf("staging best delete: %v", err)
		}
		dropped++
	}
	if err := iter.Error(); err != nil {
		return 0, types.Exceptionf("scanning best index: %v", err)
	}
	return dropped, nil
}

// UpdateVerified sets the verification status of a stored header and drops
// any cached copy of it.
func (s *HeaderStore) UpdateVerified(h *types.Header, status types.HeaderStatus) error {
	hash := h.Hash()

	s.gate.Lock()
	defer s.gate.Unlock()

	rec, err := s.loadRecord(s.db, hash)
	if err != nil {
		return err
	}
	if rec.Status == status {
		return nil
	}
	rec.Status = status

	txn := NewTxn(s.db)
	defer txn.Rollback()
	if err := s.putRecord(txn, hash, rec); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}

	s.headers.Remove(string(hash))
	return nil
}

// Close closes the underlying database.
func (s *HeaderStore) Close() error {
	return s.db.Close()
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
