package election

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/orderedcode"
	lru "github.com/hashicorp/golang-lru"
	dbm "github.com/tendermint/tm-db"

	"github.com/hybridchain/hybridchain/crypto"
	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
	"github.com/hybridchain/hybridchain/libs/log"
	"github.com/hybridchain/hybridchain/internal/store"
	"github.com/hybridchain/hybridchain/types"
)

// key prefix, see internal/store/keys.go
const prefixRoster = int64(3)

func rosterKey(hash []byte) []byte {
	key, err := orderedcode.Append(nil, prefixRoster, string(hash))
	if err != nil {
		panic(err)
	}
	return key
}

// HeaderSource is the read access to the header chain the context needs to
// find the header that defines an epoch.
type HeaderSource interface {
	GetHeader(store.Selector) (store.HeaderInfo, error)
	GetHeaderRange(from []byte, count int) ([]*types.Header, error)
}

// Params are the election tunables, fixed for the life of a chain.
type Params struct {
	Interval        int64 // blocks per epoch
	MinProducers    int
	MaxProducers    int
	ProducerTimeout int64 // seconds
	BanDuration     int64 // seconds
	Schedule        Schedule
}

// Context owns the per-epoch rosters and the registry ops waiting to be
// put into a header.
//
// Rosters are immutable once written and keyed by the epoch-defining hash,
// so competing branches each see their own. Each carries the candidate pool
// and votes of its branch; nothing outside the headers changes them.
type Context struct {
	db        dbm.DB
	headers   HeaderSource
	params    Params
	authority crypto.PubKey
	logger    log.Logger

	// mtx serializes roster writes.
	mtx     sync.Mutex
	rosters *lru.Cache // epoch hash -> *Roster

	pmtx    sync.Mutex
	pending []types.RegistryOp
	queued  map[string]struct{} // sign bytes of pending
}

// NewContext returns a Context persisting into db. authority verifies
// registry ops.
func NewContext(
	db dbm.DB,
	headers HeaderSource,
	params Params,
	authority crypto.PubKey,
	cacheSize int,
	logger log.Logger,
) (*Context, error) {
	if params.Interval <= 0 {
		return nil, types.InvalidParamf("election interval must be positive")
	}
	if params.Schedule.BlockInterval <= 0 {
		return nil, types.InvalidParamf("block interval must be positive")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	rosters, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Context{
		db:        db,
		headers:   headers,
		params:    params,
		authority: authority,
		logger:    logger.With("module", "election"),
		rosters:   rosters,
		queued:    make(map[string]struct{}),
	}, nil
}

// Params returns the election tunables.
func (ec *Context) Params() Params {
	return ec.params
}

// IsBoundary reports whether height starts an epoch. Height 0 always does.
func (ec *Context) IsBoundary(height int64) bool {
	return height%ec.params.Interval == 0
}

// EpochStart returns the most recent boundary at or below height.
func (ec *Context) EpochStart(height int64) int64 {
	return height - height%ec.params.Interval
}

// ClosesEpoch reports whether the header at height is the last of its
// epoch, the one after which the next roster is elected.
func (ec *Context) ClosesEpoch(height int64) bool {
	return (height+1)%ec.params.Interval == 0
}

// definingHeight is the height of the header whose hash keys the roster
// that governs height.
func (ec *Context) definingHeight(height int64) int64 {
	b := ec.EpochStart(height)
	if b == 0 {
		return 0
	}
	return b - 1
}

// GetActiveProducers returns the roster governing at, found through the
// epoch-defining header on at's own branch. types.ErrNotFound means no
// election was recorded for that epoch.
func (ec *Context) GetActiveProducers(at *types.Header) (*Roster, error) {
	d := ec.definingHeight(at.Number)

	var hash []byte
	switch {
	case at.Number == d:
		hash = at.Hash()
	case at.Number == d+1:
		hash = at.PrevHash
	default:
		info, err := ec.headers.GetHeader(store.AtHeightOn(d, at.PrevHash))
		if err != nil {
			return nil, err
		}
		hash = info.Header.Hash()
	}
	return ec.RosterByHash(hash)
}

// RosterByHash loads the roster elected after the header with hash.
func (ec *Context) RosterByHash(hash []byte) (*Roster, error) {
	if v, ok := ec.rosters.Get(string(hash)); ok {
		return v.(*Roster).Copy(), nil
	}
	roster, err := loadRoster(ec.db, hash)
	if err != nil {
		return nil, err
	}
	ec.rosters.Add(string(hash), roster)
	return roster.Copy(), nil
}

func loadRoster(r store.Reader, hash []byte) (*Roster, error) {
	bz, err := r.Get(rosterKey(hash))
	if err != nil {
		return nil, types.Exceptionf("loading roster %X: %v", hash, err)
	}
	if len(bz) == 0 {
		return nil, types.NotFoundf("no election recorded for epoch %X", hash)
	}
	roster := new(Roster)
	if err := types.Unmarshal(bz, roster); err != nil {
		return nil, types.Exceptionf("corrupt roster %X: %v", hash, err)
	}
	return roster, nil
}

func putRoster(txn *store.Txn, hash []byte, roster *Roster) error {
	bz, err := types.Marshal(roster)
	if err != nil {
		return types.Exceptionf("encoding roster: %v", err)
	}
	return txn.Set(rosterKey(hash), bz)
}

// InitGenesis records the genesis roster, with the genesis validators as
// its active candidates. Calling it again is a no-op.
func (ec *Context) InitGenesis(genDoc *types.GenesisDoc, genesis *types.Header) error {
	if genesis.Number != 0 {
		return types.InvalidParamf("genesis must be at height 0, got %d", genesis.Number)
	}
	vals, err := genDoc.ValidatorSet()
	if err != nil {
		return types.InvalidParamf("genesis validators: %v", err)
	}
	hash := genesis.Hash()

	ec.mtx.Lock()
	defer ec.mtx.Unlock()

	has, err := ec.db.Has(rosterKey(hash))
	if err != nil {
		return types.Exceptionf("checking genesis roster: %v", err)
	}
	if has {
		return nil
	}

	cands := make([]Candidate, 0, len(genDoc.Validators))
	for _, gv := range genDoc.Validators {
		cands = append(cands, Candidate{
			Address:      gv.Address.Copy(),
			PubKey:       gv.PubKey.Copy(),
			Weight:       gv.Weight,
			Status:       CandidateActive,
			LastProduced: genesis.Timestamp,
		})
	}
	sortCandidates(cands)

	roster := &Roster{
		Height:            0,
		Validators:        vals,
		ElectionTimeIndex: ec.params.Schedule.TimeIndex(genesis.Timestamp) + 1,
		Candidates:        cands,
	}
	txn := store.NewTxn(ec.db)
	defer txn.Rollback()
	if err := putRoster(txn, hash, roster); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}

	ec.logger.Info("recorded genesis roster", "validators", vals.Size())
	return nil
}

// Finalize runs the election after h when h closes an epoch, and records the
// resulting roster under h's hash. seed drives the shuffle and must be the
// same on every node, e.g. the hash of the first header of h's epoch. It returns
// nil, nil when h does not close an epoch.
//
// The candidate pool is the previous roster's, moved forward by replaying
// the epoch's headers on h's branch: their registry ops in order, then who
// produced when, then ban bookkeeping as of h's timestamp. When too few
// candidates are eligible the previous producers are carried into the new
// epoch. Finalize is idempotent.
func (ec *Context) Finalize(h *types.Header, seed []byte) (*Roster, error) {
	if !ec.ClosesEpoch(h.Number) {
		return nil, nil
	}
	hash := h.Hash()

	ec.mtx.Lock()
	defer ec.mtx.Unlock()

	if existing, err := loadRoster(ec.db, hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	prev, err := ec.GetActiveProducers(h)
	if err != nil {
		return nil, err
	}

	start := ec.EpochStart(h.Number)
	epoch, err := ec.headers.GetHeaderRange(hash, int(h.Number-start+1))
	if err != nil {
		return nil, err
	}

	p := newPool(prev)
	viewWeight := prev.ViewWeight
	for _, eh := range epoch {
		viewWeight += int64(eh.View)
		for _, op := range eh.Registry {
			if err := p.apply(op, eh.Timestamp, ec.authority); err != nil {
				ec.logger.Debug("skipping registry op", "height", eh.Number, "op", op, "reason", err)
			}
		}
		p.produced(eh.Producer, eh.Timestamp)
	}
	for _, c := range p.maintain(h.Timestamp, prev.Validators, ec.params) {
		ec.logger.Info("candidate status changed",
			"height", h.Number, "address", c.Address, "status", c.Status.String())
	}

	next, err := ElectNextProducers(prev.Validators, p.ballots(), ec.params.MinProducers, ec.params.MaxProducers, seed)
	switch {
	case errors.Is(err, types.ErrNotEnough):
		ec.logger.Info("skipping election, keeping previous roster", "height", h.Number, "reason", err)
	case err != nil:
		return nil, err
	}

	cands, votes := p.snapshot()
	roster := &Roster{
		Height:            h.Number,
		Validators:        next,
		ElectionTimeIndex: ec.params.Schedule.TimeIndex(h.Timestamp) + 1,
		ViewWeight:        viewWeight,
		Candidates:        cands,
		Votes:             votes,
	}

	txn := store.NewTxn(ec.db)
	defer txn.Rollback()
	if err := putRoster(txn, hash, roster); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}

	ec.logger.Info("elected producers",
		"height", h.Number,
		"epoch_hash", tmbytes.HexBytes(hash),
		"producers", next.Size(),
		"candidates", len(cands),
	)
	return roster.Copy(), nil
}

// Candidates returns the pool as of the epoch-defining header of at's
// epoch, ordered by address.
func (ec *Context) Candidates(at *types.Header) ([]Candidate, error) {
	roster, err := ec.GetActiveProducers(at)
	if err != nil {
		return nil, err
	}
	return roster.Candidates, nil
}

// Tally returns the ballots the next election on at's branch would start
// from, before the current epoch's registry ops are applied.
func (ec *Context) Tally(at *types.Header) ([]Ballot, error) {
	roster, err := ec.GetActiveProducers(at)
	if err != nil {
		return nil, err
	}
	return newPool(roster).ballots(), nil
}

//-----------------------------------------------------------------------------
// Pending registry ops

// CheckOps verifies every op against the authority.
func (ec *Context) CheckOps(ops []types.RegistryOp) error {
	for i, op := range ops {
		if err := op.Verify(ec.authority); err != nil {
			return types.InvalidParamf("registry op %d: %v", i, err)
		}
	}
	return nil
}

// Submit queues op for a future header. It returns false when op is
// already queued.
func (ec *Context) Submit(op types.RegistryOp) (bool, error) {
	if err := op.Verify(ec.authority); err != nil {
		return false, types.InvalidParamf("%v: %v", op, err)
	}
	key := string(op.SignBytes())

	ec.pmtx.Lock()
	defer ec.pmtx.Unlock()
	if _, ok := ec.queued[key]; ok {
		return false, nil
	}
	ec.queued[key] = struct{}{}
	ec.pending = append(ec.pending, op.Copy())
	ec.logger.Info("queued registry op", "op", op)
	return true, nil
}

// PendingOps returns up to max queued ops, oldest first.
func (ec *Context) PendingOps(max int) []types.RegistryOp {
	ec.pmtx.Lock()
	defer ec.pmtx.Unlock()
	n := len(ec.pending)
	if max >= 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]types.RegistryOp, n)
	for i := range out {
		out[i] = ec.pending[i].Copy()
	}
	return out
}

// PruneOps drops queued ops that were put into a header.
func (ec *Context) PruneOps(ops []types.RegistryOp) {
	if len(ops) == 0 {
		return
	}
	ec.pmtx.Lock()
	defer ec.pmtx.Unlock()

	drop := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		key := string(op.SignBytes())
		if _, ok := ec.queued[key]; ok {
			drop[key] = struct{}{}
			delete(ec.queued, key)
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := ec.pending[:0]
	for _, op := range ec.pending {
		if _, ok := drop[string(op.SignBytes())]; !ok {
			kept = append(kept, op)
		}
	}
	ec.pending = kept
}

func (ec *Context) String() string {
	return fmt.Sprintf("election.Context{interval:%d min:%d max:%d}",
		ec.params.Interval, ec.params.MinProducers, ec.params.MaxProducers)
}
