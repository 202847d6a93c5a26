package application

import (
	"context"
	"sync"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/internal/core/ports"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
	"github.com/arkade-os/batch-settler/pkg/errors"
	"github.com/stretchr/testify/mock"
)

// Mock implementations for service and batch session tests

type mockTransport struct {
	mock.Mock

	lock    sync.Mutex
	streams []*mockStream
}

type mockStream struct {
	topics []string
	ctx    context.Context
	ch     chan domain.BatchEventChannel
}

func (s *mockStream) send(events ...domain.BatchEvent) {
	for _, event := range events {
		select {
		case s.ch <- domain.BatchEventChannel{Event: event}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *mockStream) fail(err error) {
	select {
	case s.ch <- domain.BatchEventChannel{Err: err}:
	case <-s.ctx.Done():
	}
}

func (m *mockTransport) GetInfo(ctx context.Context) (*ports.ServerInfo, error) {
	args := m.Called(ctx)
	var info *ports.ServerInfo
	if res := args.Get(0); res != nil {
		info = res.(*ports.ServerInfo)
	}
	return info, args.Error(1)
}

func (m *mockTransport) RegisterIntent(ctx context.Context, proof, message string) (string, error) {
	args := m.Called(ctx, proof, message)
	return args.String(0), args.Error(1)
}

func (m *mockTransport) DeleteIntent(ctx context.Context, proof, message string) error {
	args := m.Called(ctx, proof, message)
	return args.Error(0)
}

func (m *mockTransport) ConfirmRegistration(ctx context.Context, intentId string) error {
	args := m.Called(ctx, intentId)
	return args.Error(0)
}

// GetEventStream opens a new stream the test can push events into.
func (m *mockTransport) GetEventStream(
	ctx context.Context, topics []string,
) (<-chan domain.BatchEventChannel, func(), error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	stream := &mockStream{
		topics: topics,
		ctx:    ctx,
		ch:     make(chan domain.BatchEventChannel, 64),
	}
	m.streams = append(m.streams, stream)
	return stream.ch, func() {}, nil
}

func (m *mockTransport) SubmitTreeNonces(
	ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
) error {
	args := m.Called(ctx, batchId, cosignerPubkey, nonces)
	return args.Error(0)
}

func (m *mockTransport) SubmitTreeSignatures(
	ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
) error {
	args := m.Called(ctx, batchId, cosignerPubkey, signatures)
	return args.Error(0)
}

func (m *mockTransport) SubmitSignedForfeitTxs(
	ctx context.Context, signedForfeitTxs []string, signedCommitmentTx string,
) error {
	args := m.Called(ctx, signedForfeitTxs, signedCommitmentTx)
	return args.Error(0)
}

func (m *mockTransport) Close() {}

func (m *mockTransport) streamCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.streams)
}

func (m *mockTransport) stream(i int) *mockStream {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.streams[i]
}

func (m *mockTransport) lastStream() *mockStream {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.streams[len(m.streams)-1]
}

type mockRepoManager struct {
	events    *mockEventRepo
	intents   *mockIntentRepo
	vtxos     *mockVtxoRepo
	contracts *mockContractRepo
}

func newMockRepoManager() *mockRepoManager {
	events := &mockEventRepo{handlers: make(map[string][]func([]domain.Event))}
	return &mockRepoManager{
		events:    events,
		intents:   &mockIntentRepo{events: events, intents: make(map[string]domain.Intent)},
		vtxos:     &mockVtxoRepo{vtxos: make(map[domain.Outpoint]domain.Vtxo)},
		contracts: &mockContractRepo{contracts: make(map[string]domain.Contract)},
	}
}

func (m *mockRepoManager) Events() domain.EventRepository       { return m.events }
func (m *mockRepoManager) Intents() domain.IntentRepository     { return m.intents }
func (m *mockRepoManager) Vtxos() domain.VtxoRepository         { return m.vtxos }
func (m *mockRepoManager) Contracts() domain.ContractRepository { return m.contracts }
func (m *mockRepoManager) Close()                               {}

// mockEventRepo runs the handlers synchronously and records every event.
type mockEventRepo struct {
	lock     sync.Mutex
	handlers map[string][]func([]domain.Event)
	saved    []domain.Event
}

func (r *mockEventRepo) Save(_ context.Context, topic, _ string, events []domain.Event) error {
	r.lock.Lock()
	r.saved = append(r.saved, events...)
	handlers := append([]func([]domain.Event){}, r.handlers[topic]...)
	r.lock.Unlock()

	for _, handler := range handlers {
		handler(events)
	}
	return nil
}

func (r *mockEventRepo) RegisterEventsHandler(topic string, handler func([]domain.Event)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.handlers[topic] = append(r.handlers[topic], handler)
}

func (r *mockEventRepo) ClearRegisteredHandlers(topics ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(topics) == 0 {
		r.handlers = make(map[string][]func([]domain.Event))
		return
	}
	for _, topic := range topics {
		delete(r.handlers, topic)
	}
}

func (r *mockEventRepo) Close() {}

func (r *mockEventRepo) batchCompleted() []domain.BatchCompleted {
	r.lock.Lock()
	defer r.lock.Unlock()

	events := make([]domain.BatchCompleted, 0)
	for _, event := range r.saved {
		if e, ok := event.(domain.BatchCompleted); ok {
			events = append(events, e)
		}
	}
	return events
}

type mockIntentRepo struct {
	events  *mockEventRepo
	lock    sync.Mutex
	intents map[string]domain.Intent
}

func (r *mockIntentRepo) GetActiveIntents(ctx context.Context) ([]domain.Intent, error) {
	return r.GetIntentsByState(
		ctx, domain.IntentStateWaitingForBatch, domain.IntentStateBatchInProgress,
	)
}

func (r *mockIntentRepo) GetIntent(_ context.Context, txid string) (*domain.Intent, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	intent, ok := r.intents[txid]
	if !ok {
		return nil, errors.INTENT_NOT_FOUND.New("intent %s not found", txid).
			WithMetadata(errors.IntentMetadata{IntentTxid: txid})
	}
	return &intent, nil
}

func (r *mockIntentRepo) GetIntentsByState(
	_ context.Context, states ...domain.IntentState,
) ([]domain.Intent, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	intents := make([]domain.Intent, 0)
	for _, intent := range r.intents {
		for _, state := range states {
			if intent.State == state {
				intents = append(intents, intent)
				break
			}
		}
	}
	return intents, nil
}

func (r *mockIntentRepo) SaveIntent(ctx context.Context, intent domain.Intent) error {
	r.lock.Lock()
	if stored, ok := r.intents[intent.Txid]; ok && stored.Version+1 != intent.Version {
		r.lock.Unlock()
		return errors.INTENT_VERSION_CONFLICT.New("stale intent %s", intent.Txid).
			WithMetadata(errors.IntentVersionMetadata{
				IntentTxid:      intent.Txid,
				ExpectedVersion: stored.Version + 1,
				GotVersion:      intent.Version,
			})
	}
	r.intents[intent.Txid] = intent
	r.lock.Unlock()

	return r.events.Save(
		ctx, domain.IntentTopic, intent.Txid, []domain.Event{domain.NewIntentUpdated(intent)},
	)
}

func (r *mockIntentRepo) Close() {}

// store inserts the intent without publishing any event.
func (r *mockIntentRepo) store(intent domain.Intent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.intents[intent.Txid] = intent
}

type mockVtxoRepo struct {
	lock  sync.Mutex
	vtxos map[domain.Outpoint]domain.Vtxo
}

func (r *mockVtxoRepo) AddVtxos(_ context.Context, vtxos []domain.Vtxo) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, vtxo := range vtxos {
		r.vtxos[vtxo.Outpoint] = vtxo
	}
	return nil
}

func (r *mockVtxoRepo) GetVtxos(
	_ context.Context, outpoints []domain.Outpoint,
) ([]domain.Vtxo, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	vtxos := make([]domain.Vtxo, 0, len(outpoints))
	for _, outpoint := range outpoints {
		if vtxo, ok := r.vtxos[outpoint]; ok {
			vtxos = append(vtxos, vtxo)
		}
	}
	return vtxos, nil
}

func (r *mockVtxoRepo) GetVtxoByOutpoint(
	_ context.Context, outpoint domain.Outpoint,
) (*domain.Vtxo, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	vtxo, ok := r.vtxos[outpoint]
	if !ok {
		return nil, errors.VTXO_NOT_FOUND.New("vtxo %s not found", outpoint)
	}
	return &vtxo, nil
}

func (r *mockVtxoRepo) Close() {}

type mockContractRepo struct {
	lock      sync.Mutex
	contracts map[string]domain.Contract
}

func (r *mockContractRepo) AddContract(_ context.Context, contract domain.Contract) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.contracts[contract.Script] = contract
	return nil
}

func (r *mockContractRepo) GetContractByScript(
	_ context.Context, script string,
) (*domain.Contract, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	contract, ok := r.contracts[script]
	if !ok {
		return nil, errors.INTERNAL_ERROR.New("contract %s not found", script)
	}
	return &contract, nil
}

func (r *mockContractRepo) Close() {}

// mockLocker is a keyed mutex.
type mockLocker struct {
	lock  sync.Mutex
	locks map[string]*sync.Mutex
}

func newMockLocker() *mockLocker {
	return &mockLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *mockLocker) Lock(_ context.Context, key string) (func(), error) {
	l.lock.Lock()
	mtx, ok := l.locks[key]
	if !ok {
		mtx = &sync.Mutex{}
		l.locks[key] = mtx
	}
	l.lock.Unlock()

	mtx.Lock()
	return mtx.Unlock, nil
}

func (l *mockLocker) Close() {}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) Start() {}
func (m *mockScheduler) Stop()  {}

func (m *mockScheduler) ScheduleTaskOnce(at int64, task func()) error {
	args := m.Called(at, task)
	return args.Error(0)
}

func (m *mockScheduler) ScheduleRecurringTask(every time.Duration, task func()) error {
	args := m.Called(every, task)
	return args.Error(0)
}

func (m *mockScheduler) AfterNow(at int64) bool {
	return at > time.Now().Unix()
}

func newMockScheduler() *mockScheduler {
	scheduler := &mockScheduler{}
	scheduler.On("ScheduleTaskOnce", mock.Anything, mock.Anything).Return(nil)
	scheduler.On("ScheduleRecurringTask", mock.Anything, mock.Anything).Return(nil)
	return scheduler
}
