package application

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/internal/core/ports"
	arklib "github.com/arkade-os/batch-settler/pkg/ark-lib"
	"github.com/arkade-os/batch-settler/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type service struct {
	cfg Config

	// services
	repoManager  ports.RepoManager
	transport    ports.TransportClient
	signer       ports.SignerService
	locker       ports.IntentLocker
	scheduler    ports.SchedulerService
	coinResolver ports.CoinResolver

	// server params, set on start
	params batchParams

	// bookkeeping, guarded by lock
	lock         sync.Mutex
	connections  map[string]*connection
	sessions     sessionRegistry
	joining      map[string]struct{}
	intents      map[string]domain.Intent
	versions     map[string]uint
	cosignerKeys map[string]string

	triggerCh chan trigger

	ctx  context.Context
	stop context.CancelFunc
	wg   *sync.WaitGroup
}

// NewService returns the batch management service. If coinResolver is nil,
// the forfeit path of the vtxos is resolved from their contract tapscripts.
func NewService(
	cfg Config,
	repoManager ports.RepoManager,
	transport ports.TransportClient,
	signer ports.SignerService,
	locker ports.IntentLocker,
	scheduler ports.SchedulerService,
	coinResolver ports.CoinResolver,
) (Service, error) {
	if repoManager == nil {
		return nil, fmt.Errorf("missing repo manager")
	}
	if transport == nil {
		return nil, fmt.Errorf("missing transport client")
	}
	if signer == nil {
		return nil, fmt.Errorf("missing signer service")
	}
	if locker == nil {
		return nil, fmt.Errorf("missing intent locker")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("missing scheduler service")
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &service{
		cfg:          cfg,
		repoManager:  repoManager,
		transport:    transport,
		signer:       signer,
		locker:       locker,
		scheduler:    scheduler,
		coinResolver: coinResolver,
		connections:  make(map[string]*connection),
		sessions:     make(sessionRegistry),
		joining:      make(map[string]struct{}),
		intents:      make(map[string]domain.Intent),
		versions:     make(map[string]uint),
		cosignerKeys: make(map[string]string),
		triggerCh:    make(chan trigger, cfg.TriggerQueueSize),
		ctx:          ctx,
		stop:         cancel,
		wg:           &sync.WaitGroup{},
	}, nil
}

func (s *service) Start() errors.Error {
	ctx := s.ctx

	info, err := s.transport.GetInfo(ctx)
	if err != nil {
		return toError(transportError("GetInfo", err))
	}
	if err := s.loadServerInfo(info); err != nil {
		return toError(err)
	}

	activeIntents, err := s.repoManager.Intents().GetActiveIntents(ctx)
	if err != nil {
		return toError(fmt.Errorf("failed to load active intents: %w", err))
	}
	waitingIntents, err := s.repoManager.Intents().GetIntentsByState(
		ctx, domain.IntentStateWaitingToSubmit,
	)
	if err != nil {
		return toError(fmt.Errorf("failed to load waiting intents: %w", err))
	}
	for _, intent := range activeIntents {
		s.trackIntent(intent)
	}
	log.Debugf("loaded %d active intents", len(activeIntents))

	s.repoManager.Events().RegisterEventsHandler(
		domain.IntentTopic, func(events []domain.Event) {
			for _, event := range events {
				e, ok := event.(domain.IntentUpdated)
				if !ok {
					continue
				}
				if s.trackIntent(e.Intent) {
					s.triggerRefresh()
				}
			}
		},
	)

	s.scheduler.Start()
	if err := s.scheduler.ScheduleRecurringTask(
		s.cfg.RefreshInterval, s.triggerRefresh,
	); err != nil {
		return toError(fmt.Errorf("failed to schedule connection refresh: %w", err))
	}
	for _, intent := range append(waitingIntents, activeIntents...) {
		s.scheduleExpiration(intent)
	}

	log.Debug("starting batch management service...")
	s.wg.Add(1)
	go s.listenToTriggers()
	s.triggerRefresh()
	return nil
}

func (s *service) Stop() {
	s.repoManager.Events().ClearRegisteredHandlers(domain.IntentTopic)
	s.scheduler.Stop()

	s.stop()
	s.wg.Wait()

	s.lock.Lock()
	s.connections = make(map[string]*connection)
	s.sessions = make(sessionRegistry)
	s.joining = make(map[string]struct{})
	s.intents = make(map[string]domain.Intent)
	s.versions = make(map[string]uint)
	s.lock.Unlock()

	log.Debug("stopped batch management service")
}

func (s *service) AddIntent(ctx context.Context, intent domain.Intent) errors.Error {
	if err := intent.CanSubmit(); err != nil {
		return toError(err)
	}
	if intent.Version != 0 {
		return errors.INTENT_VERSION_CONFLICT.New(
			"new intent %s must have version 0", intent.Txid,
		).WithMetadata(errors.IntentVersionMetadata{
			IntentTxid: intent.Txid, GotVersion: intent.Version,
		})
	}

	// Lock the inputs so that no concurrent intent can register them.
	keys := make([]string, 0, len(intent.Vtxos))
	for _, vtxo := range intent.Vtxos {
		keys = append(keys, vtxo.String())
	}
	slices.Sort(keys)
	for _, key := range keys {
		unlock, err := s.locker.Lock(ctx, key)
		if err != nil {
			return toError(err)
		}
		defer unlock()
	}

	vtxos, err := s.repoManager.Vtxos().GetVtxos(ctx, intent.Vtxos)
	if err != nil {
		return toError(err)
	}
	found := make(map[string]struct{}, len(vtxos))
	for _, vtxo := range vtxos {
		found[vtxo.Outpoint.String()] = struct{}{}
	}
	for _, key := range keys {
		if _, ok := found[key]; !ok {
			return errors.VTXO_NOT_FOUND.New("vtxo %s not found", key).
				WithMetadata(errors.VtxoMetadata{VtxoOutpoint: key})
		}
	}

	pending, err := s.repoManager.Intents().GetIntentsByState(
		ctx,
		domain.IntentStateWaitingToSubmit,
		domain.IntentStateWaitingForBatch,
		domain.IntentStateBatchInProgress,
	)
	if err != nil {
		return toError(err)
	}
	for _, other := range pending {
		for _, vtxo := range other.Vtxos {
			if _, ok := found[vtxo.String()]; ok {
				return errors.VTXO_ALREADY_REGISTERED.New(
					"vtxo %s already registered by intent %s", vtxo, other.Txid,
				).WithMetadata(errors.VtxoMetadata{VtxoOutpoint: vtxo.String()})
			}
		}
	}

	if err := s.repoManager.Intents().SaveIntent(ctx, intent); err != nil {
		return toError(err)
	}

	s.scheduleExpiration(intent)
	log.Debugf("added intent %s", intent.Txid)
	return nil
}

func (s *service) SubmitIntent(ctx context.Context, txid string) errors.Error {
	intent, err := s.updateIntent(ctx, txid, func(intent *domain.Intent) error {
		if err := intent.CanSubmit(); err != nil {
			return err
		}
		id, err := s.transport.RegisterIntent(ctx, intent.RegisterProof, intent.RegisterMessage)
		if err != nil {
			return transportError("RegisterIntent", err)
		}
		return intent.Submit(id)
	})
	if err != nil {
		return toError(err)
	}

	log.Debugf("submitted intent %s with id %s", intent.Txid, intent.Id)
	return nil
}

func (s *service) CancelIntent(ctx context.Context, txid, reason string) errors.Error {
	return toError(s.cancelIntent(ctx, txid, reason, nil))
}

func (s *service) GetIntent(ctx context.Context, txid string) (*domain.Intent, errors.Error) {
	intent, err := s.repoManager.Intents().GetIntent(ctx, txid)
	if err != nil {
		return nil, toError(err)
	}
	return intent, nil
}

// cancelIntent cancels the intent if allowed returns true for its current state.
func (s *service) cancelIntent(
	ctx context.Context, txid, reason string, allowed func(domain.IntentState) bool,
) error {
	intent, err := s.updateIntent(ctx, txid, func(intent *domain.Intent) error {
		if allowed != nil && !allowed(intent.State) {
			return errSkipUpdate
		}

		submitted := intent.State.IsActive()
		cancelled := *intent
		if err := cancelled.Cancel(reason); err != nil {
			return err
		}

		if submitted && intent.DeleteProof != "" {
			if err := s.transport.DeleteIntent(
				ctx, intent.DeleteProof, intent.DeleteMessage,
			); err != nil {
				return transportError("DeleteIntent", err)
			}
		}

		*intent = cancelled
		return nil
	})
	if err != nil {
		if err == errSkipUpdate {
			return nil
		}
		return err
	}

	s.lock.Lock()
	connIds := s.sessions.unpinIntent(txid)
	s.lock.Unlock()
	for _, connId := range connIds {
		s.triggerRelease(connId)
	}

	log.Debugf("cancelled intent %s: %s", intent.Txid, reason)
	return nil
}

func (s *service) loadServerInfo(info *ports.ServerInfo) error {
	network, err := arklib.NetworkFromString(info.Network)
	if err != nil {
		return err
	}
	forfeitPubkey, err := parsePubkey(info.ForfeitPubkey)
	if err != nil {
		return fmt.Errorf("invalid forfeit pubkey: %w", err)
	}
	forfeitScript, err := forfeitOutputScript(info.ForfeitAddress, network)
	if err != nil {
		return err
	}

	if s.coinResolver == nil {
		signerPubkey, err := parsePubkey(info.SignerPubkey)
		if err != nil {
			return fmt.Errorf("invalid signer pubkey: %w", err)
		}
		s.coinResolver = newCoinResolver(signerPubkey)
	}

	s.params = batchParams{
		forfeitPubkey: forfeitPubkey,
		forfeitScript: forfeitScript,
	}
	return nil
}

// onBatchStarted starts a batch session for every tracked intent the server
// selected for the batch.
func (s *service) onBatchStarted(conn *connection, event domain.BatchStarted) {
	hashedIds := make(map[string]struct{}, len(event.HashedIntentIds))
	for _, hashedId := range event.HashedIntentIds {
		hashedIds[hashedId] = struct{}{}
	}

	selected := make([]domain.Intent, 0)
	for _, intent := range s.trackedIntents() {
		if intent.State != domain.IntentStateWaitingForBatch {
			continue
		}
		if _, ok := hashedIds[intent.HashedId()]; ok {
			selected = append(selected, intent)
		}
	}
	if len(selected) == 0 {
		return
	}

	// The same announcement reaches every connection whose topics match the
	// intent, only one of them joins the batch.
	claimed, pinned := 0, 0
	for _, intent := range selected {
		if !s.claimJoin(intent.Txid) {
			continue
		}
		claimed++

		err := s.startBatchSession(conn, intent, event)
		s.releaseJoin(intent.Txid)
		if err != nil {
			log.WithError(err).Warnf(
				"failed to join batch %s with intent %s", event.Id, intent.Txid,
			)
			continue
		}
		pinned++
	}

	if claimed > 0 && pinned == 0 {
		s.triggerRelease(conn.id)
	}
}

// claimJoin marks the intent as joining a batch. It fails if the intent is
// no longer waiting for a batch or if it's already joining or pinned to a
// session on any connection.
func (s *service) claimJoin(txid string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	intent, ok := s.intents[txid]
	if !ok || intent.State != domain.IntentStateWaitingForBatch {
		return false
	}
	if _, ok := s.joining[txid]; ok {
		return false
	}
	if s.sessions.hasIntent(txid) {
		return false
	}
	s.joining[txid] = struct{}{}
	return true
}

func (s *service) releaseJoin(txid string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.joining, txid)
}

func (s *service) startBatchSession(
	conn *connection, intent domain.Intent, event domain.BatchStarted,
) error {
	ctx := conn.ctx
	conn.reserved.Store(true)

	coins, err := s.resolveCoins(ctx, intent)
	if err != nil {
		return err
	}
	cosignerKey, err := s.signer.GetPublicKey(ctx, intent.SignerDescriptor)
	if err != nil {
		return err
	}
	session, err := newBatchSession(
		intent, event.Id, event.BatchExpiry, coins, s.params, s.transport, s.signer, cosignerKey,
	)
	if err != nil {
		return err
	}

	if err := s.transport.ConfirmRegistration(ctx, intent.Id); err != nil {
		return transportError("ConfirmRegistration", err)
	}

	updated, err := s.updateIntent(ctx, intent.Txid, func(intent *domain.Intent) error {
		return intent.StartBatch(event.Id)
	})
	if err != nil {
		return err
	}
	session.intent = *updated

	s.lock.Lock()
	s.sessions.pin(conn.id, intent.Txid, session)
	s.lock.Unlock()

	log.Debugf("intent %s joined batch %s", intent.Txid, event.Id)
	return nil
}

func (s *service) resolveCoins(ctx context.Context, intent domain.Intent) ([]domain.Coin, error) {
	vtxos, err := s.repoManager.Vtxos().GetVtxos(ctx, intent.Vtxos)
	if err != nil {
		return nil, err
	}
	if len(vtxos) != len(intent.Vtxos) {
		return nil, errors.VTXO_NOT_FOUND.New(
			"got %d of %d vtxos of intent %s", len(vtxos), len(intent.Vtxos), intent.Txid,
		)
	}

	coins := make([]domain.Coin, 0, len(vtxos))
	for _, vtxo := range vtxos {
		contract, err := s.repoManager.Contracts().GetContractByScript(ctx, vtxo.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to get contract of vtxo %s: %w", vtxo.Outpoint, err)
		}
		coin, err := s.coinResolver.GetCoin(*contract, vtxo)
		if err != nil {
			return nil, err
		}
		coins = append(coins, *coin)
	}
	return coins, nil
}

func (s *service) onBatchFinalized(ctx context.Context, event domain.BatchFinalized) {
	for _, intent := range s.intentsInBatch(event.Id) {
		updated, err := s.updateIntent(ctx, intent.Txid, func(intent *domain.Intent) error {
			return intent.Succeed(event.CommitmentTxid)
		})
		if err != nil {
			logSettleError(err, intent.Txid)
			continue
		}
		s.publishBatchCompleted(
			ctx, *updated, event.CommitmentTxid, domain.BatchOutcomeSucceeded, "",
		)
	}
}

func (s *service) onBatchFailed(ctx context.Context, event domain.BatchFailed) {
	for _, intent := range s.intentsInBatch(event.Id) {
		updated, err := s.updateIntent(ctx, intent.Txid, func(intent *domain.Intent) error {
			if s.cfg.RetryFailedBatches {
				return intent.ResetForRetry()
			}
			return intent.Fail(event.Reason)
		})
		if err != nil {
			logSettleError(err, intent.Txid)
			continue
		}
		s.publishBatchCompleted(ctx, *updated, "", domain.BatchOutcomeFailed, event.Reason)
	}
}

func (s *service) failIntent(ctx context.Context, txid, reason string) {
	updated, err := s.updateIntent(ctx, txid, func(intent *domain.Intent) error {
		return intent.Fail(reason)
	})
	if err != nil {
		logSettleError(err, txid)
		return
	}
	s.publishBatchCompleted(ctx, *updated, "", domain.BatchOutcomeFailed, reason)
}

func (s *service) publishBatchCompleted(
	ctx context.Context, intent domain.Intent,
	commitmentTxid string, outcome domain.BatchOutcome, reason string,
) {
	event := domain.NewBatchCompleted(intent, commitmentTxid, outcome, reason)
	if err := s.repoManager.Events().Save(
		ctx, domain.BatchTopic, intent.Txid, []domain.Event{event},
	); err != nil {
		log.WithError(err).Warnf("failed to publish batch outcome of intent %s", intent.Txid)
	}
}

// updateIntent applies fn to the latest stored version of the intent while
// holding the intent lock, then persists it.
func (s *service) updateIntent(
	ctx context.Context, txid string, fn func(intent *domain.Intent) error,
) (*domain.Intent, error) {
	unlock, err := s.locker.Lock(ctx, txid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	intent, err := s.repoManager.Intents().GetIntent(ctx, txid)
	if err != nil {
		return nil, err
	}
	if err := fn(intent); err != nil {
		return nil, err
	}
	if err := s.repoManager.Intents().SaveIntent(ctx, *intent); err != nil {
		return nil, err
	}

	if s.trackIntent(*intent) {
		s.triggerRefresh()
	}
	return intent, nil
}

// trackIntent records the latest version of an intent, keeping only active
// ones. It returns whether the set of tracked intents changed.
func (s *service) trackIntent(intent domain.Intent) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if version, ok := s.versions[intent.Txid]; ok && version > intent.Version {
		return false
	}
	s.versions[intent.Txid] = intent.Version

	_, wasTracked := s.intents[intent.Txid]
	if intent.State.IsActive() {
		s.intents[intent.Txid] = intent
		return !wasTracked
	}
	delete(s.intents, intent.Txid)
	return wasTracked
}

func (s *service) trackedIntents() []domain.Intent {
	s.lock.Lock()
	defer s.lock.Unlock()

	intents := make([]domain.Intent, 0, len(s.intents))
	for _, intent := range s.intents {
		intents = append(intents, intent)
	}
	return intents
}

func (s *service) intentsInBatch(batchId string) []domain.Intent {
	intents := make([]domain.Intent, 0)
	for _, intent := range s.trackedIntents() {
		if intent.BatchId == batchId {
			intents = append(intents, intent)
		}
	}
	return intents
}

func (s *service) getCosignerPubkey(ctx context.Context, descriptor string) (string, error) {
	s.lock.Lock()
	pubkey, ok := s.cosignerKeys[descriptor]
	s.lock.Unlock()
	if ok {
		return pubkey, nil
	}

	key, err := s.signer.GetPublicKey(ctx, descriptor)
	if err != nil {
		return "", fmt.Errorf("failed to get cosigner key: %w", err)
	}
	pubkey = hex.EncodeToString(key.SerializeCompressed())

	s.lock.Lock()
	s.cosignerKeys[descriptor] = pubkey
	s.lock.Unlock()
	return pubkey, nil
}

// scheduleExpiration cancels the intent once expired, unless it already
// joined a batch by then.
func (s *service) scheduleExpiration(intent domain.Intent) {
	if intent.ExpiresAt <= 0 {
		return
	}

	txid := intent.Txid
	expire := func() {
		if err := s.cancelIntent(
			s.ctx, txid, "expired", func(state domain.IntentState) bool {
				return state == domain.IntentStateWaitingToSubmit ||
					state == domain.IntentStateWaitingForBatch
			},
		); err != nil {
			log.WithError(err).Warnf("failed to cancel expired intent %s", txid)
		}
	}

	if !s.scheduler.AfterNow(intent.ExpiresAt) {
		go expire()
		return
	}
	if err := s.scheduler.ScheduleTaskOnce(intent.ExpiresAt, expire); err != nil {
		log.WithError(err).Warnf("failed to schedule expiration of intent %s", txid)
	}
}

func isBatchFailed(err error) bool {
	return errors.BATCH_FAILED.Is(err)
}

func logSettleError(err error, txid string) {
	if errors.INVALID_INTENT_STATE.Is(err) {
		log.WithError(err).Debugf("intent %s already settled", txid)
		return
	}
	log.WithError(err).Warnf("failed to update intent %s", txid)
}
