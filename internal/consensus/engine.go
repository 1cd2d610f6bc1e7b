package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	dbm "github.com/tendermint/tm-db"

	"github.com/hybridchain/hybridchain/config"
	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/crypto/ed25519"
	"github.com/hybridchain/hybridchain/internal/election"
	"github.com/hybridchain/hybridchain/internal/finality"
	"github.com/hybridchain/hybridchain/internal/p2p"
	"github.com/hybridchain/hybridchain/internal/quorum"
	"github.com/hybridchain/hybridchain/internal/store"
	"github.com/hybridchain/hybridchain/internal/tipstate"
	"github.com/hybridchain/hybridchain/libs/log"
	"github.com/hybridchain/hybridchain/libs/service"
	"github.com/hybridchain/hybridchain/types"
)

const (
	rosterCacheSize = 64

	// maxRegistryOps caps the registry ops put into one produced header.
	maxRegistryOps = 32
)

var (
	// ErrNotProducer is returned by Propose on a node without a producer key.
	ErrNotProducer = errors.New("node has no producer key")
)

// Engine runs one consensus protocol over the header chain. All state
// transitions happen on a single event loop fed by a bounded queue; reads
// of the best chain are safe from any goroutine.
type Engine struct {
	service.BaseService
	logger log.Logger

	cfg      *config.ConsensusConfig
	genesis  *types.Header
	schedule election.Schedule

	headers    *store.HeaderStore
	elections  *election.Context
	quorum     *quorum.Context
	tracker    *finality.Tracker // hybrid only
	policy     Policy
	tips       *tipstate.Manager
	forkChoice tipstate.ForkChoice

	executor  Executor
	transport Transport
	key       crypto.PrivKey
	address   crypto.Address
	metrics   *Metrics
	now       func() time.Time

	queue  chan Message
	cancel context.CancelFunc
	done   chan struct{}

	// owned by the loop
	pending   *types.Header // BFT proposal collecting votes
	viewTimer *time.Timer
}

// EngineOption sets an optional parameter on the Engine.
type EngineOption func(*Engine)

// EngineMetrics sets the metrics.
func EngineMetrics(metrics *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

// EngineClock replaces the wall clock used for timestamp checks.
func EngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// EngineExecutor sets the executor binding block state into headers.
func EngineExecutor(executor Executor) EngineOption {
	return func(e *Engine) { e.executor = executor }
}

// EngineTransport sets where blocks, votes and attestations are broadcast.
func EngineTransport(transport Transport) EngineOption {
	return func(e *Engine) { e.transport = transport }
}

// EngineProducerKey lets the engine produce, vote and attest with key.
func EngineProducerKey(key crypto.PrivKey) EngineOption {
	return func(e *Engine) {
		e.key = key
		e.address = key.PubKey().Address()
	}
}

// NewEngine builds an engine over db, creating the genesis state on first
// use and replaying the stored best chain otherwise.
func NewEngine(
	cfg *config.ConsensusConfig,
	genDoc *types.GenesisDoc,
	db dbm.DB,
	logger log.Logger,
	options ...EngineOption,
) (*Engine, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, types.InvalidParamf("consensus config: %v", err)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e := &Engine{
		logger:    logger.With("module", "consensus", "protocol", cfg.Protocol),
		cfg:       cfg,
		executor:  NewChainExecutor(),
		transport: nopTransport{},
		metrics:   NopMetrics(),
		now:       time.Now,
		queue:     make(chan Message, cfg.EventQueueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(e)
	}
	e.BaseService = *service.NewBaseService(logger, "Engine", e)

	headers, err := store.NewHeaderStore(db, cfg.HeaderCacheSize, logger)
	if err != nil {
		return nil, err
	}
	e.headers = headers
	e.genesis = genDoc.GenesisHeader()
	if err := headers.CreateGenesis(e.genesis); err != nil {
		return nil, err
	}

	epochTime := cfg.EpochTime
	if epochTime == 0 {
		epochTime = e.genesis.Timestamp
	}
	e.schedule = election.Schedule{EpochTime: epochTime, BlockInterval: cfg.BlockIntervalSeconds()}

	authority, err := ed25519.PubKeyFromBytes(genDoc.Authority)
	if err != nil {
		return nil, types.InvalidParamf("authority key: %v", err)
	}
	e.elections, err = election.NewContext(db, headers, election.Params{
		Interval:        cfg.ElectionInterval,
		MinProducers:    cfg.MinProducers,
		MaxProducers:    cfg.MaxProducers,
		ProducerTimeout: int64(cfg.ProducerTimeout / time.Second),
		BanDuration:     int64(cfg.BanDuration / time.Second),
		Schedule:        e.schedule,
	}, authority, rosterCacheSize, logger)
	if err != nil {
		return nil, err
	}
	if err := e.elections.InitGenesis(genDoc, e.genesis); err != nil {
		return nil, err
	}

	e.quorum, err = quorum.NewContext(e.elections, headers, cfg.AgreementRate, ed25519.PubKeyFromBytes, logger)
	if err != nil {
		return nil, err
	}

	switch cfg.Protocol {
	case config.ProtocolDPoS:
		e.policy = NewDPoS(e.elections, ed25519.PubKeyFromBytes, e.now)
	case config.ProtocolBFT:
		e.policy = NewBFT(e.quorum, ed25519.PubKeyFromBytes, e.schedule.BlockInterval, e.now)
	case config.ProtocolHybrid:
		e.tracker = finality.NewTracker(e.quorum, headers, ed25519.PubKeyFromBytes, logger)
		e.policy = NewHybrid(NewDPoS(e.elections, ed25519.PubKeyFromBytes, e.now), e.tracker, headers)
	}
	e.forkChoice = tipstate.ForkChoice{TimeIndex: e.schedule.TimeIndex}

	e.tips, err = tipstate.NewManager(headers, policyRules{e.policy}, e.genesis, cfg.TipCacheSize, logger)
	if err != nil {
		return nil, err
	}
	e.tips.OnCacheMiss(func() { e.metrics.TipCacheMisses.Add(1) })

	best, err := headers.GetHeader(store.Latest())
	if err != nil {
		return nil, err
	}
	if best.Header.Number > 0 {
		st, err := e.tips.UpdateBest(best.Header)
		if err != nil {
			return nil, fmt.Errorf("replaying best chain: %w", err)
		}
		e.logger.Info("replayed best chain", "height", st.Number(), "irreversible", st.Irreversible)
	}
	e.quorum.Views().NewHeight(best.Header.Number + 1)
	return e, nil
}

// OnStart implements service.Service by starting the event loop.
func (e *Engine) OnStart(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	st := e.tips.Best()
	e.metrics.Height.Set(float64(st.Number()))
	e.metrics.IrreversibleHeight.Set(float64(st.Irreversible.Number))
	go e.run(ctx)
	return nil
}

// OnStop implements service.Service by stopping the event loop and closing
// the header store.
func (e *Engine) OnStop() {
	e.cancel()
	<-e.done

	var errs *multierror.Error
	if err := e.headers.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing header store: %w", err))
	}
	if c, ok := e.transport.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing transport: %w", err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		e.logger.Error("error shutting down", "err", err)
	}
}

// Headers returns the header store.
func (e *Engine) Headers() *store.HeaderStore { return e.headers }

// Elections returns the election context.
func (e *Engine) Elections() *election.Context { return e.elections }

// Schedule returns the slot schedule.
func (e *Engine) Schedule() election.Schedule { return e.schedule }

// Policy returns the active protocol.
func (e *Engine) Policy() Policy { return e.policy }

// Address returns the producer address, nil without a producer key.
func (e *Engine) Address() crypto.Address { return e.address }

// Best returns a copy of the canonical tip state.
func (e *Engine) Best() *tipstate.TipState { return e.tips.Best() }

// Irreversible returns the canonical irreversible point.
func (e *Engine) Irreversible() types.Checkpoint { return e.tips.Irreversible() }

// Receive is the transport handler. It never blocks: when the queue is
// full the message is dropped and left to be resent.
func (e *Engine) Receive(env p2p.Envelope) {
	msg, err := decodeEnvelope(env)
	if err != nil {
		e.logger.Error("failed to decode message", "from", env.From, "channel", env.ChannelID, "err", err)
		return
	}
	select {
	case e.queue <- msg:
	default:
		e.logger.Error("dropping message, queue is full", "from", env.From, "channel", env.ChannelID)
	}
}

// SubmitRegistryOp queues an authority-signed registry op for the next
// produced header and gossips it when it is new.
func (e *Engine) SubmitRegistryOp(op types.RegistryOp) error {
	added, err := e.elections.Submit(op)
	if err != nil || !added {
		return err
	}
	e.broadcast(RegistryChannel, op)
	return nil
}

// NextTurn returns the next slot time after ts at which this node is due
// on the best chain. ok is false under BFT, where turns follow views, and
// when the node has no producer key or is off the roster.
func (e *Engine) NextTurn(ts int64) (slot int64, ok bool) {
	if e.key == nil || e.cfg.Protocol == config.ProtocolBFT {
		return 0, false
	}
	best := e.tips.Best()
	roster, err := e.elections.GetActiveProducers(&types.Header{Number: best.Number() + 1, PrevHash: best.Hash()})
	if err != nil {
		return 0, false
	}
	return e.schedule.NextTurn(roster, e.address, ts)
}

// Propose asks the loop to produce a block at ts.
func (e *Engine) Propose(ctx context.Context, ts int64) (ProposeResult, error) {
	reply := make(chan ProposeResult, 1)
	if err := e.send(ctx, ProposeBlock{Timestamp: ts, reply: reply}); err != nil {
		return ProposeResult{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return ProposeResult{}, ctx.Err()
	case <-e.done:
		return ProposeResult{}, service.ErrAlreadyStopped
	}
}

// Verify asks the loop to import h.
func (e *Engine) Verify(ctx context.Context, h *types.Header) (VerifyResult, error) {
	reply := make(chan VerifyResult, 1)
	if err := e.send(ctx, VerifyBlock{Header: h.Copy(), reply: reply}); err != nil {
		return VerifyResult{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return VerifyResult{}, ctx.Err()
	case <-e.done:
		return VerifyResult{}, service.ErrAlreadyStopped
	}
}

// AddAttestation hands a to the hybrid finality tracker.
func (e *Engine) AddAttestation(ctx context.Context, a types.Attestation) error {
	reply := make(chan error, 1)
	if err := e.send(ctx, AttestationReceived{Attestation: a, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return service.ErrAlreadyStopped
	}
}

func (e *Engine) send(ctx context.Context, msg Message) error {
	select {
	case e.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return service.ErrAlreadyStopped
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	var timeouts <-chan time.Time
	if e.cfg.Protocol == config.ProtocolBFT {
		e.viewTimer = time.NewTimer(e.cfg.ViewTimeout)
		defer e.viewTimer.Stop()
		timeouts = e.viewTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.queue:
			e.handle(msg)
		case <-timeouts:
			e.handleViewTimeout()
		}
	}
}

func (e *Engine) handle(msg Message) {
	switch m := msg.(type) {
	case ProposeBlock:
		res := e.handlePropose(m.Timestamp)
		if m.reply != nil {
			m.reply <- res
		}
	case VerifyBlock:
		res := e.importHeader(m.Header, false)
		if m.reply != nil {
			m.reply <- res
		}
	case BlockMined:
		e.handleBlockMined(m.Header)
	case AttestationReceived:
		err := e.handleAttestation(m.Attestation)
		if m.reply != nil {
			m.reply <- err
		}
	case ProposalReceived:
		e.handleProposal(m.Header)
	case VoteReceived:
		e.handleVote(m.Vote)
	case RegistryOpReceived:
		if _, err := e.elections.Submit(m.Op); err != nil {
			e.logger.Info("rejected registry op", "op", m.Op, "err", err)
		}
	default:
		e.logger.Error("unknown message", "type", fmt.Sprintf("%T", msg))
	}
}

//-----------------------------------------------------------------------------
// Production

func (e *Engine) handlePropose(ts int64) ProposeResult {
	if e.key == nil {
		return ProposeResult{Code: types.CodeNotDue, Err: ErrNotProducer}
	}
	parent := e.tips.Best().Tip
	if ts <= parent.Timestamp {
		return ProposeResult{
			Code: types.CodeBadTimestamp,
			Err:  types.InvalidParamf("timestamp %d not after best %d", ts, parent.Timestamp),
		}
	}

	draft := &types.Header{
		Number:    parent.Number + 1,
		PrevHash:  parent.Hash(),
		Timestamp: ts,
	}
	if e.cfg.Protocol == config.ProtocolBFT {
		draft.View = e.quorum.Views().ViewAt(draft.Number)
		if e.pending != nil && e.pending.Number == draft.Number && e.pending.View == draft.View {
			return ProposeResult{Code: types.CodeNotDue, Err: types.InvalidParamf("already proposed in view %d", draft.View)}
		}
	} else if e.schedule.TimeIndex(ts) <= e.schedule.TimeIndex(parent.Timestamp) {
		return ProposeResult{Code: types.CodeNotDue, Err: types.InvalidParamf("slot of %d already filled", ts)}
	}

	due, err := e.policy.DueProducer(draft)
	if err != nil {
		return ProposeResult{Code: types.CodeOf(err), Err: err}
	}
	if !due.Address.Equal(e.address) {
		return ProposeResult{Code: types.CodeNotDue, Err: types.InvalidParamf("%v is due, not %v", due.Address, e.address)}
	}

	draft.Producer = e.address
	draft.Registry = e.elections.PendingOps(maxRegistryOps)
	stateHash, err := e.executor.StateHash(parent, draft)
	if err != nil {
		return ProposeResult{Code: types.CodeStorageFailure, Err: types.Exceptionf("executing #%d: %v", draft.Number, err)}
	}
	draft.StateHash = stateHash
	if err := draft.Sign(e.key); err != nil {
		return ProposeResult{Code: types.CodeBadSignatures, Err: err}
	}

	if e.cfg.Protocol == config.ProtocolBFT {
		e.pending = draft
		e.logger.Info("proposing", "height", draft.Number, "view", draft.View, "hash", draft.Hash())
		e.broadcast(ProposalChannel, draft)
		e.tryCommitPending()
		return ProposeResult{Header: draft.Copy()}
	}

	res := e.handleBlockMined(draft)
	return ProposeResult{Header: draft.Copy(), Code: res.Code, Err: res.Err}
}

func (e *Engine) handleBlockMined(h *types.Header) VerifyResult {
	res := e.importHeader(h, true)
	if res.Code.IsOK() {
		e.metrics.ProducedBlocks.Add(1)
	}
	return res
}

//-----------------------------------------------------------------------------
// Import

// importHeader validates h, stores it and runs fork choice. It is the only
// path by which headers enter the store.
func (e *Engine) importHeader(h *types.Header, local bool) VerifyResult {
	res := e.doImport(h)
	if !res.Code.IsOK() {
		e.metrics.MarkRejected(res.Code)
		e.logger.Info("rejected block", "height", h.Number, "code", res.Code, "err", res.Err)
		return res
	}
	if local {
		e.broadcast(BlockChannel, h)
	}
	return res
}

func (e *Engine) doImport(h *types.Header) VerifyResult {
	if err := h.ValidateBasic(); err != nil {
		return VerifyResult{Code: types.CodeInvalidParam, Err: err}
	}
	if h.Number == 0 {
		return VerifyResult{Code: types.CodeInvalidParam, Err: types.InvalidParamf("genesis can't be imported")}
	}
	hash := h.Hash()

	known, err := e.headers.GetHeader(store.ByHash(hash))
	switch {
	case err == nil && known.Status == types.StatusInvalid:
		return VerifyResult{Code: types.CodeInvalidParam, Err: types.InvalidParamf("%v is known invalid", h)}
	case err == nil && known.Status == types.StatusVerified:
		return VerifyResult{Code: types.CodeOK}
	case err == nil:
		// stored by an import that failed part way; finish it
		return e.connect(known.Header)
	case !errors.Is(err, types.ErrNotFound):
		return resultOf(err)
	}

	parentInfo, err := e.headers.GetHeader(store.ByHash(h.PrevHash))
	if err != nil {
		return resultOf(err)
	}
	if parentInfo.Status == types.StatusInvalid {
		return VerifyResult{Code: types.CodeUnknownParent, Err: types.InvalidParamf("parent of %v is invalid", h)}
	}
	parent := parentInfo.Header

	if irr := e.tips.Irreversible(); h.Number <= irr.Number {
		return resultOf(types.ErrBelowIrreversible{Number: h.Number, Irreversible: irr.Number})
	}
	if err := e.policy.ValidateHeader(h, parent); err != nil {
		return resultOf(err)
	}
	if err := e.checkBody(parent, h); err != nil {
		return resultOf(err)
	}

	if err := e.headers.SaveHeader(h); err != nil {
		return resultOf(err)
	}
	return e.connect(h)
}

// checkBody verifies what the header commits to beyond the protocol
// rules: the registry ops and the state hash.
func (e *Engine) checkBody(parent, h *types.Header) error {
	if err := e.elections.CheckOps(h.Registry); err != nil {
		return types.ErrInvalidBlock{Number: h.Number, Code: types.CodeInvalidParam, Reason: err}
	}
	want, err := e.executor.StateHash(parent, h)
	if err != nil {
		return types.Exceptionf("executing #%d: %v", h.Number, err)
	}
	if !bytes.Equal(want, h.StateHash) {
		return types.ErrInvalidBlock{
			Number: h.Number,
			Code:   types.CodeBadStateHash,
			Reason: types.InvalidParamf("state hash %X, expected %X", []byte(h.StateHash), want),
		}
	}
	return nil
}

// connect takes a stored, validated header through the election, its
// branch state and fork choice, then marks it verified. A rule violation
// marks it invalid; any other failure leaves it unverified so a later
// import retries.
func (e *Engine) connect(h *types.Header) VerifyResult {
	if err := e.finalizeEpoch(h); err != nil {
		e.rejectStored(h, err)
		return resultOf(err)
	}

	var (
		st  *tipstate.TipState
		err error
	)
	if best := e.tips.Best(); bytes.Equal(h.PrevHash, best.Hash()) {
		st, err = e.tips.Extend(best, h)
	} else {
		st, err = e.tips.ReconstructFor(h)
	}
	if err != nil {
		e.rejectStored(h, err)
		return resultOf(err)
	}
	if err := e.headers.UpdateVerified(h, types.StatusVerified); err != nil {
		return resultOf(err)
	}

	changed := e.switchBest(st)
	e.logger.Debug("imported block", "header", h, "best", changed)
	e.connectChildren(h)
	return VerifyResult{Code: types.CodeOK, BestChanged: changed}
}

// connectChildren retries stored children of h left unverified by an
// earlier failure, now that their parent is verified.
func (e *Engine) connectChildren(h *types.Header) {
	children, err := e.headers.GetNextHeaders(h.Hash())
	if err != nil {
		e.logger.Error("failed to list children", "height", h.Number, "err", err)
		return
	}
	for _, c := range children {
		info, err := e.headers.GetHeader(store.ByHash(c.Hash()))
		if err != nil || info.Status != types.StatusNotVerified {
			continue
		}
		if res := e.connect(c); !res.Code.IsOK() {
			e.logger.Info("stored child still unverified", "header", c, "code", res.Code, "err", res.Err)
		}
	}
}

func (e *Engine) rejectStored(h *types.Header, err error) {
	if !errors.Is(err, types.ErrInvalidParam) {
		return
	}
	e.tips.Evict(h.Hash())
	e.markInvalid(h)
}

func (e *Engine) markInvalid(h *types.Header) {
	if err := e.headers.UpdateVerified(h, types.StatusInvalid); err != nil {
		e.logger.Error("failed to mark header invalid", "height", h.Number, "err", err)
	}
}

// finalizeEpoch runs the election closed by h, seeded with the hash of the
// first header of h's epoch on h's branch.
func (e *Engine) finalizeEpoch(h *types.Header) error {
	if !e.elections.ClosesEpoch(h.Number) {
		return nil
	}
	start, err := e.headers.GetHeader(store.AtHeightOn(e.elections.EpochStart(h.Number), h.Hash()))
	if err != nil {
		return err
	}
	_, err = e.elections.Finalize(h, start.Header.Hash())
	return err
}

// switchBest installs st as canonical if fork choice prefers it. The
// higher irreversible height wins, and equal heights fall through to the
// length and slot tie-breaks.
func (e *Engine) switchBest(st *tipstate.TipState) bool {
	best := e.tips.Best()
	c, err := e.tips.CompareIrreversibility(st.Tip, best.Tip)
	if err != nil {
		e.logger.Error("failed to compare irreversibility", "tip", st.Tip, "best", best.Tip, "err", err)
		return false
	}
	if c < 0 || (c == 0 && !e.forkChoice.Prefer(st, best)) {
		return false
	}
	if _, err := e.tips.UpdateBest(st.Tip); err != nil {
		e.logger.Error("failed to update best tip state", "tip", st.Tip, "err", err)
		return false
	}
	if err := e.headers.ChangeBest(st.Tip); err != nil {
		e.logger.Error("failed to change best chain", "tip", st.Tip, "err", err)
		if _, rerr := e.tips.UpdateBest(best.Tip); rerr != nil {
			e.logger.Error("failed to restore best tip state", "tip", best.Tip, "err", rerr)
		}
		return false
	}
	if !bytes.Equal(st.Tip.PrevHash, best.Hash()) {
		e.metrics.Reorgs.Add(1)
		e.logger.Info("switched branch", "from", best.Tip, "to", st.Tip)
	}
	e.onNewBest()
	return true
}

func (e *Engine) onNewBest() {
	st := e.tips.Best()
	e.metrics.Height.Set(float64(st.Number()))
	e.metrics.IrreversibleHeight.Set(float64(st.Irreversible.Number))

	next := st.Number() + 1
	e.quorum.Views().NewHeight(next)
	e.metrics.View.Set(0)
	if e.pending != nil && e.pending.Number < next {
		e.pending = nil
	}
	e.resetViewTimer()

	e.elections.PruneOps(st.Tip.Registry)

	vals, err := e.policy.Roster(&types.Header{Number: next, PrevHash: st.Hash()})
	if err != nil {
		e.logger.Error("failed to load next roster", "height", next, "err", err)
		return
	}
	e.metrics.Validators.Set(float64(vals.Size()))

	if e.tracker != nil {
		e.attest(st)
		e.refreshFinality()
	}
}

//-----------------------------------------------------------------------------
// Hybrid finality

// attest broadcasts this node's attestation to the best branch's confirmed
// checkpoint each time it moves up.
func (e *Engine) attest(st *tipstate.TipState) {
	if e.key == nil {
		return
	}
	cp := st.Confirmed
	if cp.Number == 0 || !e.tracker.ShouldBroadcast(cp.Number) {
		return
	}
	info, err := e.headers.GetHeader(store.ByHash(cp.Hash))
	if err != nil {
		e.logger.Error("failed to load confirmed header", "checkpoint", cp, "err", err)
		return
	}
	vals, err := e.policy.Roster(info.Header)
	if err != nil || !vals.HasAddress(e.address) {
		return
	}
	a, err := types.NewAttestation(cp, e.key)
	if err != nil {
		e.logger.Error("failed to sign attestation", "checkpoint", cp, "err", err)
		return
	}
	e.tracker.MarkBroadcast(cp.Number)
	if _, err := e.tracker.Add(a); err != nil {
		e.logger.Error("failed to add own attestation", "err", err)
	}
	e.broadcast(AttestationChannel, a)
}

func (e *Engine) handleAttestation(a types.Attestation) error {
	if e.tracker == nil {
		return types.InvalidParamf("%s does not use attestations", e.policy.Name())
	}
	kept, err := e.tracker.Add(a)
	if err != nil || !kept {
		return err
	}
	e.refreshFinality()
	return nil
}

func (e *Engine) refreshFinality() {
	cp, err := e.tracker.Recompute()
	switch {
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrNotEnough):
		e.logger.Debug("no attested checkpoint yet", "reason", err)
		return
	case err != nil:
		e.logger.Error("failed to recompute attested checkpoint", "err", err)
		return
	}
	st, err := e.tips.RefreshBest()
	if err != nil {
		e.logger.Error("failed to refresh best tip state", "err", err)
		return
	}
	e.metrics.IrreversibleHeight.Set(float64(st.Irreversible.Number))
	e.logger.Debug("attested checkpoint", "checkpoint", cp, "irreversible", st.Irreversible)
}

//-----------------------------------------------------------------------------
// BFT rounds

// handleProposal votes for a valid proposal extending the best tip.
func (e *Engine) handleProposal(h *types.Header) {
	bft, ok := e.policy.(*BFT)
	if !ok || e.key == nil {
		return
	}
	best := e.tips.Best()
	if !bytes.Equal(h.PrevHash, best.Hash()) {
		e.logger.Debug("ignoring proposal off the best tip", "proposal", h, "best", best.Tip)
		return
	}
	if err := bft.ValidateProposal(h, best.Tip); err != nil {
		e.logger.Info("rejected proposal", "proposal", h, "err", err)
		return
	}
	if err := e.checkBody(best.Tip, h); err != nil {
		e.logger.Info("rejected proposal", "proposal", h, "err", err)
		return
	}
	vals, err := bft.Roster(h)
	if err != nil || !vals.HasAddress(e.address) {
		return
	}

	hash := h.Hash()
	sig, err := e.key.Sign(hash)
	if err != nil {
		e.logger.Error("failed to sign vote", "err", err)
		return
	}
	e.broadcast(VoteChannel, Vote{
		Hash:      hash,
		Signature: types.BlockSignature{PubKey: e.key.PubKey().Bytes(), Signature: sig},
	})
}

// handleVote collects a vote for the pending proposal.
func (e *Engine) handleVote(v Vote) {
	if e.pending == nil || !bytes.Equal(v.Hash, e.pending.Hash()) {
		return
	}
	for _, s := range e.pending.Signatures {
		if bytes.Equal(s.PubKey, v.Signature.PubKey) {
			return
		}
	}
	e.pending.Signatures = append(e.pending.Signatures, v.Signature)
	e.tryCommitPending()
}

func (e *Engine) tryCommitPending() {
	vals, err := e.policy.Roster(e.pending)
	if err != nil {
		e.logger.Error("failed to load validators", "height", e.pending.Number, "err", err)
		return
	}
	signers := e.quorum.CountSigners(e.pending, vals)
	if !e.quorum.AgreementReached(vals.Size(), signers) {
		return
	}
	h := e.pending
	e.pending = nil
	e.handle(BlockMined{Header: h})
}

func (e *Engine) handleViewTimeout() {
	height, _ := e.quorum.Views().Current()
	view := e.quorum.Views().Timeout(height)
	e.metrics.View.Set(float64(view))
	if e.pending != nil && e.pending.Number == height {
		e.pending = nil
	}
	e.logger.Debug("view timed out", "height", height, "view", view)
	e.viewTimer.Reset(e.cfg.ViewTimeout)
}

func (e *Engine) resetViewTimer() {
	if e.viewTimer == nil {
		return
	}
	if !e.viewTimer.Stop() {
		select {
		case <-e.viewTimer.C:
		default:
		}
	}
	e.viewTimer.Reset(e.cfg.ViewTimeout)
}

//-----------------------------------------------------------------------------

func (e *Engine) broadcast(ch p2p.ChannelID, v interface{}) {
	bz, err := types.Marshal(v)
	if err != nil {
		e.logger.Error("failed to encode message", "channel", ch, "err", err)
		return
	}
	if err := e.transport.Broadcast(ch, bz); err != nil {
		e.logger.Error("failed to broadcast", "channel", ch, "err", err)
	}
}

type nopTransport struct{}

func (nopTransport) Broadcast(p2p.ChannelID, []byte) error { return nil }
