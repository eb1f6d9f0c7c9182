package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/events"
	"github.com/zkVerify/zkVerify-qa/internal/rpc"
)

// Options configures the node connection
type Options struct {
	ConnectTimeout   time.Duration
	SyncPollInterval time.Duration
	RPC              rpc.Options
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 3 * time.Second
	}
	if o.SyncPollInterval <= 0 {
		o.SyncPollInterval = time.Second
	}
}

type runtimeVersion struct {
	SpecVersion        uint32 `json:"specVersion"`
	TransactionVersion uint32 `json:"transactionVersion"`
}

type header struct {
	Number string `json:"number"`
}

type signedBlock struct {
	Block struct {
		Extrinsics []string `json:"extrinsics"`
	} `json:"block"`
}

type storageChangeSet struct {
	Block   string      `json:"block"`
	Changes [][]*string `json:"changes"`
}

// Substrate implements Client over a websocket JSON-RPC connection
type Substrate struct {
	logger  *zap.Logger
	rpc     *rpc.Client
	options Options

	meta      *types.Metadata
	registry  registry.EventRegistry
	parser    parser.EventParser
	eventsKey string
	genesis   types.Hash
	runtime   runtimeVersion

	// decode turns a raw System.Events value into records
	decode func(raw string) ([]events.Record, error)
}

var _ Client = (*Substrate)(nil)

// Connect dials the node and loads the runtime metadata. The whole handshake must
// finish within Options.ConnectTimeout or ErrConnectionTimeout is returned.
func Connect(ctx context.Context, url string, logger *zap.Logger, options Options) (*Substrate, error) {
	options.setDefaults()

	connectCtx, cancel := context.WithTimeout(ctx, options.ConnectTimeout)
	defer cancel()

	client, err := rpc.Dial(connectCtx, url, logger, options.RPC)
	if err != nil {
		return nil, connectError(connectCtx, url, err)
	}

	s := newSubstrate(client, logger, options)
	if err := s.loadRuntime(connectCtx); err != nil {
		_ = client.Close()
		return nil, connectError(connectCtx, url, err)
	}

	logger.Info("Connected to node",
		zap.String("url", url),
		zap.Uint32("spec_version", s.runtime.SpecVersion),
		zap.String("genesis", s.genesis.Hex()),
	)
	return s, nil
}

func newSubstrate(client *rpc.Client, logger *zap.Logger, options Options) *Substrate {
	options.setDefaults()
	s := &Substrate{
		logger:  logger,
		rpc:     client,
		options: options,
		parser:  parser.NewEventParser(),
	}
	s.decode = s.decodeEvents
	return s
}

func connectError(ctx context.Context, url string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrConnectionTimeout, url)
	}
	return fmt.Errorf("connect %s: %w", url, err)
}

func (s *Substrate) loadRuntime(ctx context.Context) error {
	var metaHex string
	if err := s.rpc.Call(ctx, &metaHex, "state_getMetadata"); err != nil {
		return err
	}

	var meta types.Metadata
	if err := codec.DecodeFromHex(metaHex, &meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	reg, err := registry.NewFactory().CreateEventRegistry(&meta)
	if err != nil {
		return fmt.Errorf("build event registry: %w", err)
	}

	key, err := types.CreateStorageKey(&meta, "System", "Events")
	if err != nil {
		return fmt.Errorf("events storage key: %w", err)
	}

	var genesisHex string
	if err := s.rpc.Call(ctx, &genesisHex, "chain_getBlockHash", 0); err != nil {
		return err
	}
	genesis, err := types.NewHashFromHexString(genesisHex)
	if err != nil {
		return fmt.Errorf("decode genesis hash: %w", err)
	}

	var rv runtimeVersion
	if err := s.rpc.Call(ctx, &rv, "state_getRuntimeVersion"); err != nil {
		return err
	}

	s.meta = &meta
	s.registry = reg
	s.eventsKey = codec.HexEncodeToString(key)
	s.genesis = genesis
	s.runtime = rv
	return nil
}

// Submit signs call with an immortal era and watches it through the pool
func (s *Substrate) Submit(ctx context.Context, call Call, signer *Account, nonce uint64) (Subscription, error) {
	extHex, err := s.sign(call, signer, nonce)
	if err != nil {
		return nil, err
	}

	sub, err := s.rpc.Subscribe(ctx, "author_submitAndWatchExtrinsic", "author_unwatchExtrinsic", extHex)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", call, err)
	}

	s.logger.Debug("Extrinsic submitted",
		zap.String("call", call.String()),
		zap.String("account", signer.Address()),
		zap.Uint64("nonce", nonce),
	)
	return s.watch(sub, extHex), nil
}

func (s *Substrate) sign(call Call, signer *Account, nonce uint64) (string, error) {
	c, err := types.NewCall(s.meta, call.String(), call.Args...)
	if err != nil {
		return "", fmt.Errorf("build %s: %w", call, err)
	}

	ext := types.NewExtrinsic(c)
	opts := types.SignatureOptions{
		BlockHash:          s.genesis,
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		GenesisHash:        s.genesis,
		Nonce:              types.NewUCompactFromUInt(nonce),
		SpecVersion:        types.U32(s.runtime.SpecVersion),
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: types.U32(s.runtime.TransactionVersion),
	}
	if err := ext.Sign(signer.Pair(), opts); err != nil {
		return "", fmt.Errorf("sign %s: %w", call, err)
	}

	extHex, err := codec.EncodeToHex(ext)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", call, err)
	}
	return extHex, nil
}

func (s *Substrate) watch(sub *rpc.Subscription, extHex string) *watch {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{
		s:       s,
		sub:     sub,
		extHex:  extHex,
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan Update, 16),
		errCh:   make(chan error, 1),
	}
	go w.run()
	return w
}

// extrinsicEvents returns the events emitted by extHex in blockHash and its dispatch error
func (s *Substrate) extrinsicEvents(ctx context.Context, blockHash, extHex string) ([]events.Record, *DispatchError, error) {
	var block signedBlock
	if err := s.rpc.Call(ctx, &block, "chain_getBlock", blockHash); err != nil {
		return nil, nil, err
	}

	index := -1
	for i, xt := range block.Block.Extrinsics {
		if strings.EqualFold(xt, extHex) {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, nil, fmt.Errorf("extrinsic not found in block %s", blockHash)
	}

	all, err := s.blockEvents(ctx, blockHash)
	if err != nil {
		return nil, nil, err
	}

	own := events.ForExtrinsic(all, uint32(index))
	var dispatchErr *DispatchError
	events.Extract(own, events.PalletSystem, events.EventExtrinsicFailed, func(fields []any) {
		detail := "unknown"
		if len(fields) > 0 {
			detail = describe(fields[0])
		}
		dispatchErr = &DispatchError{Detail: detail}
	})
	return own, dispatchErr, nil
}

func (s *Substrate) blockEvents(ctx context.Context, blockHash string) ([]events.Record, error) {
	var raw *string
	if err := s.rpc.Call(ctx, &raw, "state_getStorage", s.eventsKey, blockHash); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return s.decode(*raw)
}

func (s *Substrate) decodeEvents(raw string) ([]events.Record, error) {
	data, err := codec.HexDecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}

	sd := types.StorageDataRaw(data)
	parsed, err := s.parser.ParseEvents(s.registry, &sd)
	if err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	return toRecords(parsed), nil
}

// SubscribeEvents calls handler with every System.Events change until unsubscribe is called
func (s *Substrate) SubscribeEvents(ctx context.Context, handler func([]events.Record)) (func(), error) {
	sub, err := s.rpc.Subscribe(ctx, "state_subscribeStorage", "state_unsubscribeStorage", []string{s.eventsKey})
	if err != nil {
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			sub.Unsubscribe()
		})
	}

	go func() {
		for {
			select {
			case raw, ok := <-sub.Notifications():
				if !ok {
					return
				}
				records, err := s.changeSetEvents(raw)
				if err != nil {
					s.logger.Warn("Skipping undecodable events", zap.Error(err))
					continue
				}
				if len(records) > 0 {
					handler(records)
				}
			case <-done:
				return
			}
		}
	}()

	return unsubscribe, nil
}

func (s *Substrate) changeSetEvents(raw json.RawMessage) ([]events.Record, error) {
	var set storageChangeSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode change set: %w", err)
	}

	var records []events.Record
	for _, change := range set.Changes {
		if len(change) < 2 || change[1] == nil {
			continue
		}
		decoded, err := s.decode(*change[1])
		if err != nil {
			return nil, err
		}
		records = append(records, decoded...)
	}
	return records, nil
}

// Health returns system_health
func (s *Substrate) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := s.rpc.Call(ctx, &h, "system_health"); err != nil {
		return Health{}, err
	}
	return h, nil
}

// WaitForSync blocks until the node reports it is not syncing
func (s *Substrate) WaitForSync(ctx context.Context) error {
	for {
		h, err := s.Health(ctx)
		if err != nil {
			return err
		}
		if !h.IsSyncing {
			return nil
		}

		s.logger.Info("Waiting for node to sync", zap.Int("peers", h.Peers))
		select {
		case <-time.After(s.options.SyncPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NextNonce returns system_accountNextIndex, which includes pooled transactions
func (s *Substrate) NextNonce(ctx context.Context, address string) (uint64, error) {
	var n uint64
	if err := s.rpc.Call(ctx, &n, "system_accountNextIndex", address); err != nil {
		return 0, err
	}
	return n, nil
}

// Account reads System.Account for a 32 byte account id
func (s *Substrate) Account(ctx context.Context, accountID []byte) (AccountInfo, error) {
	key, err := types.CreateStorageKey(s.meta, "System", "Account", accountID)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("account storage key: %w", err)
	}

	var raw *string
	if err := s.rpc.Call(ctx, &raw, "state_getStorage", codec.HexEncodeToString(key)); err != nil {
		return AccountInfo{}, err
	}

	info := AccountInfo{Free: new(uint256.Int), Reserved: new(uint256.Int), Frozen: new(uint256.Int)}
	if raw == nil {
		return info, nil
	}

	var decoded types.AccountInfo
	if err := codec.DecodeFromHex(*raw, &decoded); err != nil {
		return AccountInfo{}, fmt.Errorf("decode account info: %w", err)
	}

	info.Nonce = uint64(decoded.Nonce)
	info.Free = toUint256(decoded.Data.Free)
	info.Reserved = toUint256(decoded.Data.Reserved)
	info.Frozen = toUint256(decoded.Data.MiscFrozen)
	return info, nil
}

func toUint256(v types.U128) *uint256.Int {
	if v.Int == nil {
		return new(uint256.Int)
	}
	out, overflow := uint256.FromBig(v.Int)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}

// LatestBlocks returns the best and the finalized head
func (s *Substrate) LatestBlocks(ctx context.Context) (Blocks, error) {
	var finalizedHash string
	if err := s.rpc.Call(ctx, &finalizedHash, "chain_getFinalizedHead"); err != nil {
		return Blocks{}, err
	}

	var finalized header
	if err := s.rpc.Call(ctx, &finalized, "chain_getHeader", finalizedHash); err != nil {
		return Blocks{}, err
	}
	finalizedNumber, err := parseBlockNumber(finalized.Number)
	if err != nil {
		return Blocks{}, err
	}

	var best header
	if err := s.rpc.Call(ctx, &best, "chain_getHeader"); err != nil {
		return Blocks{}, err
	}
	bestNumber, err := parseBlockNumber(best.Number)
	if err != nil {
		return Blocks{}, err
	}

	var bestHash string
	if err := s.rpc.Call(ctx, &bestHash, "chain_getBlockHash", bestNumber); err != nil {
		return Blocks{}, err
	}

	return Blocks{
		Best:      BlockRef{Number: bestNumber, Hash: bestHash},
		Finalized: BlockRef{Number: finalizedNumber, Hash: finalizedHash},
	}, nil
}

// Close closes the connection
func (s *Substrate) Close() error {
	return s.rpc.Close()
}

func parseBlockNumber(hexNumber string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(hexNumber, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block number %q: %w", hexNumber, err)
	}
	return n, nil
}

var statusByName = func() map[string]StatusKind {
	m := make(map[string]StatusKind, len(statusNames))
	for kind, name := range statusNames {
		m[name] = kind
	}
	return m
}()

// parseStatus decodes an author_extrinsicUpdate result, either "ready" or {"inBlock": "0x.."}
func parseStatus(raw json.RawMessage) (Status, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		kind, ok := statusByName[name]
		if !ok {
			return Status{}, fmt.Errorf("unknown transaction status %q", name)
		}
		return Status{Kind: kind}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj) != 1 {
		return Status{}, fmt.Errorf("malformed transaction status %s", string(raw))
	}

	for key, value := range obj {
		kind, ok := statusByName[key]
		if !ok {
			return Status{}, fmt.Errorf("unknown transaction status %q", key)
		}
		status := Status{Kind: kind}
		var hash string
		if json.Unmarshal(value, &hash) == nil {
			status.BlockHash = hash
		}
		return status, nil
	}
	return Status{}, fmt.Errorf("malformed transaction status %s", string(raw))
}

// watch adapts an author_submitAndWatchExtrinsic subscription to Subscription
type watch struct {
	s      *Substrate
	sub    *rpc.Subscription
	extHex string

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	updates chan Update
	errCh   chan error
}

func (w *watch) Updates() <-chan Update { return w.updates }
func (w *watch) Err() <-chan error      { return w.errCh }

func (w *watch) Unsubscribe() {
	w.once.Do(w.cancel)
}

func (w *watch) fail(err error) {
	select {
	case w.errCh <- err:
	default:
	}
}

func (w *watch) run() {
	defer close(w.updates)
	defer w.sub.Unsubscribe()

	for {
		select {
		case raw, ok := <-w.sub.Notifications():
			if !ok {
				select {
				case err := <-w.sub.Err():
					w.fail(err)
				default:
				}
				return
			}

			status, err := parseStatus(raw)
			if err != nil {
				w.s.logger.Warn("Ignoring transaction status", zap.Error(err))
				continue
			}

			update := Update{Status: status}
			if status.Kind == StatusInBlock || status.Kind == StatusFinalized {
				own, dispatchErr, err := w.s.extrinsicEvents(w.ctx, status.BlockHash, w.extHex)
				if err != nil {
					if w.ctx.Err() == nil {
						w.fail(fmt.Errorf("events of block %s: %w", status.BlockHash, err))
					}
					return
				}
				update.Events = own
				update.DispatchError = dispatchErr
			}

			select {
			case w.updates <- update:
			case <-w.ctx.Done():
				return
			}

			if status.Kind.Terminal() {
				return
			}

		case <-w.ctx.Done():
			return
		}
	}
}
