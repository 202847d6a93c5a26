package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
	"github.com/arkade-os/batch-settler/pkg/errors"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var testConfig = Config{
	RefreshInterval:  time.Hour,
	ReconnectBackoff: 50 * time.Millisecond,
}

type testService struct {
	*service
	b         *testBatch
	repo      *mockRepoManager
	transport *mockTransport
	scheduler *mockScheduler
}

func newTestService(t *testing.T, b *testBatch, cfg Config) *testService {
	t.Helper()

	ctx := context.Background()
	repo := newMockRepoManager()
	require.NoError(t, repo.vtxos.AddVtxos(ctx, []domain.Vtxo{b.vtxo}))
	require.NoError(t, repo.contracts.AddContract(ctx, b.contract))

	transport := &mockTransport{}
	transport.On("GetInfo", mock.Anything).Return(b.info, nil)
	scheduler := newMockScheduler()

	svc, err := NewService(cfg, repo, transport, b.signer, newMockLocker(), scheduler, nil)
	require.NoError(t, err)

	return &testService{
		service:   svc.(*service),
		b:         b,
		repo:      repo,
		transport: transport,
		scheduler: scheduler,
	}
}

func (s *testService) start(t *testing.T) {
	t.Helper()
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
}

func (s *testService) intent(t *testing.T, txid string) domain.Intent {
	t.Helper()
	intent, err := s.repo.intents.GetIntent(context.Background(), txid)
	require.NoError(t, err)
	return *intent
}

func (s *testService) waitForState(t *testing.T, txid string, state domain.IntentState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.intent(t, txid).State == state
	}, waitFor, tick)
}

// waitForStream returns the n-th event stream opened by the service.
func (s *testService) waitForStream(t *testing.T, n int) *mockStream {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.transport.streamCount() >= n
	}, waitFor, tick)
	return s.transport.stream(n - 1)
}

func (s *testService) connectionStats() (total, unreserved int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, conn := range s.connections {
		total++
		if !conn.reserved.Load() {
			unreserved++
		}
	}
	return
}

// joinBatch announces a batch selecting the given intent ids.
func (s *testService) joinBatch(t *testing.T, stream *mockStream, intentIds ...string) {
	t.Helper()

	hashedIds := make([]string, 0, len(intentIds))
	for _, id := range intentIds {
		hashedIds = append(hashedIds, hashedId(id))
	}
	s.transport.On("ConfirmRegistration", mock.Anything, mock.Anything).Return(nil)

	stream.send(domain.BatchStarted{
		Id:              testBatchId,
		HashedIntentIds: hashedIds,
		BatchExpiry:     testBatchExpiry,
	})
	s.waitForState(t, testIntentTxid, domain.IntentStateBatchInProgress)
}

func TestService(t *testing.T) {
	t.Run("settle intent", func(t *testing.T) {
		b := newTestBatch(t, testBatchOpts{numOfConnectors: 1})
		svc := newTestService(t, b, testConfig)
		svc.repo.intents.store(b.submittedIntent(testIntentId))

		noncesCh := make(chan tree.TreeNonces, 1)
		sigsCh := make(chan tree.TreePartialSigs, 1)
		forfeitsCh := make(chan []string, 1)
		svc.transport.On(
			"SubmitTreeNonces", mock.Anything, testBatchId, b.userPubkey(), mock.Anything,
		).Run(func(args mock.Arguments) {
			noncesCh <- args.Get(3).(tree.TreeNonces)
		}).Return(nil).Once()
		svc.transport.On(
			"SubmitTreeSignatures", mock.Anything, testBatchId, b.userPubkey(), mock.Anything,
		).Run(func(args mock.Arguments) {
			sigsCh <- args.Get(3).(tree.TreePartialSigs)
		}).Return(nil).Once()
		svc.transport.On(
			"SubmitSignedForfeitTxs", mock.Anything, mock.Anything, "",
		).Run(func(args mock.Arguments) {
			forfeitsCh <- args.Get(1).([]string)
		}).Return(nil).Once()

		svc.start(t)

		stream := svc.waitForStream(t, 1)
		require.Contains(t, stream.topics, b.vtxo.Outpoint.String())
		require.Contains(t, stream.topics, b.userPubkey())

		svc.joinBatch(t, stream, testIntentId)
		svc.transport.AssertCalled(t, "ConfirmRegistration", mock.Anything, testIntentId)
		require.Equal(t, testBatchId, svc.intent(t, testIntentTxid).BatchId)

		stream.send(b.treeTxEvents(t, testBatchId)...)
		stream.send(b.treeSigningStarted(t, testBatchId))
		userNonces := receive(t, noncesCh)

		_, serverNonces := b.serverSession(t)
		nonceEvents, aggregated := b.nonceEvents(t, testBatchId, userNonces, serverNonces)
		stream.send(nonceEvents...)
		stream.send(aggregated)
		require.Len(t, receive(t, sigsCh), len(b.batch.VtxoTree.Txs()))

		stream.send(domain.BatchFinalization{Id: testBatchId, CommitmentTx: b.commitmentTx(t)})
		require.Len(t, receive(t, forfeitsCh), 1)

		stream.send(domain.BatchFinalized{Id: testBatchId, CommitmentTxid: b.commitmentTxid()})
		svc.waitForState(t, testIntentTxid, domain.IntentStateBatchSucceeded)
		require.Equal(t, b.commitmentTxid(), svc.intent(t, testIntentTxid).CommitmentTxid)

		require.Eventually(t, func() bool {
			return len(svc.repo.events.batchCompleted()) == 1
		}, waitFor, tick)
		event := svc.repo.events.batchCompleted()[0]
		require.Equal(t, domain.BatchOutcomeSucceeded, event.Outcome)
		require.Equal(t, b.commitmentTxid(), event.CommitmentTxid)
		require.Equal(t, testIntentTxid, event.Intent.Txid)

		svc.transport.AssertExpectations(t)
	})

	t.Run("fail intent on insufficient connectors", func(t *testing.T) {
		b := newTestBatch(t, testBatchOpts{numOfConnectors: 0})
		svc := newTestService(t, b, testConfig)
		svc.repo.intents.store(b.submittedIntent(testIntentId))
		svc.start(t)

		stream := svc.waitForStream(t, 1)
		svc.joinBatch(t, stream, testIntentId)

		signingStarted := b.treeSigningStarted(t, testBatchId)
		signingStarted.CosignersPubkeys = []string{b.serverPubkey()}
		stream.send(b.treeTxEvents(t, testBatchId)...)
		stream.send(signingStarted)
		stream.send(domain.BatchFinalization{Id: testBatchId, CommitmentTx: b.commitmentTx(t)})

		svc.waitForState(t, testIntentTxid, domain.IntentStateBatchFailed)
		intent := svc.intent(t, testIntentTxid)
		require.Contains(t, intent.CancellationReason, errors.INSUFFICIENT_CONNECTORS.Name)

		require.Eventually(t, func() bool {
			return len(svc.repo.events.batchCompleted()) == 1
		}, waitFor, tick)
		require.Equal(t, domain.BatchOutcomeFailed, svc.repo.events.batchCompleted()[0].Outcome)

		svc.transport.AssertNotCalled(
			t, "SubmitSignedForfeitTxs", mock.Anything, mock.Anything, mock.Anything,
		)
	})

	t.Run("batch failed", func(t *testing.T) {
		testCases := []struct {
			description string
			retry       bool
			wantState   domain.IntentState
		}{
			{"fail intent", false, domain.IntentStateBatchFailed},
			{"reset intent for retry", true, domain.IntentStateWaitingToSubmit},
		}

		for _, tc := range testCases {
			t.Run(tc.description, func(t *testing.T) {
				b := newTestBatch(t, testBatchOpts{numOfConnectors: 1})
				cfg := testConfig
				cfg.RetryFailedBatches = tc.retry
				svc := newTestService(t, b, cfg)
				svc.repo.intents.store(b.submittedIntent(testIntentId))
				svc.start(t)

				stream := svc.waitForStream(t, 1)
				svc.joinBatch(t, stream, testIntentId)
				stream.send(domain.BatchFailed{Id: testBatchId, Reason: "timeout"})

				svc.waitForState(t, testIntentTxid, tc.wantState)
				intent := svc.intent(t, testIntentTxid)
				if tc.retry {
					require.Empty(t, intent.Id)
					require.Empty(t, intent.BatchId)
				} else {
					require.Equal(t, "timeout", intent.CancellationReason)
				}

				require.Eventually(t, func() bool {
					return len(svc.repo.events.batchCompleted()) == 1
				}, waitFor, tick)
				event := svc.repo.events.batchCompleted()[0]
				require.Equal(t, domain.BatchOutcomeFailed, event.Outcome)
				require.Equal(t, "timeout", event.FailureReason)
			})
		}
	})

	t.Run("join batch once across connections", func(t *testing.T) {
		b := newTestBatch(t, testBatchOpts{numOfConnectors: 1})
		svc := newTestService(t, b, testConfig)
		svc.repo.intents.store(b.submittedIntent(testIntentId))
		svc.transport.On("ConfirmRegistration", mock.Anything, testIntentId).Return(nil)
		svc.start(t)

		stream := svc.waitForStream(t, 1)
		event := domain.BatchStarted{
			Id:              testBatchId,
			HashedIntentIds: []string{hashedId(testIntentId)},
			BatchExpiry:     testBatchExpiry,
		}

		// a reserved connection and the fresh one share the intent topics
		conns := []*connection{
			newConnection(svc.ctx, stream.topics),
			newConnection(svc.ctx, stream.topics),
		}
		var wg sync.WaitGroup
		for _, conn := range conns {
			wg.Add(1)
			go func() {
				defer wg.Done()
				svc.onBatchStarted(conn, event)
			}()
		}
		wg.Wait()

		svc.waitForState(t, testIntentTxid, domain.IntentStateBatchInProgress)
		svc.transport.AssertNumberOfCalls(t, "ConfirmRegistration", 1)

		svc.lock.Lock()
		pinned := svc.sessions.count(conns[0].id) + svc.sessions.count(conns[1].id)
		joining := len(svc.joining)
		svc.lock.Unlock()
		require.Equal(t, 1, pinned)
		require.Zero(t, joining)

		// a late copy of the announcement is ignored as well
		svc.onBatchStarted(conns[1], event)
		svc.transport.AssertNumberOfCalls(t, "ConfirmRegistration", 1)
	})

	t.Run("ignore batches not selecting tracked intents", func(t *testing.T) {
		b := newTestBatch(t, testBatchOpts{numOfConnectors: 1})
		svc := newTestService(t, b, testConfig)
		svc.repo.intents.store(b.submittedIntent(testIntentId))
		svc.start(t)

		stream := svc.waitForStream(t, 1)
		stream.send(domain.BatchStarted{
			Id:              testBatchId,
			HashedIntentIds: []string{hashedId("someone-else")},
			BatchExpiry:     testBatchExpiry,
		}, domain.Heartbeat{})

		require.Never(t, func() bool {
			return svc.intent(t, testIntentTxid).State != domain.IntentStateWaitingForBatch
		}, 200*time.Millisecond, tick)
		svc.transport.AssertNotCalled(t, "ConfirmRegistration", mock.Anything, mock.Anything)
	})
}

func TestConnections(t *testing.T) {
	t.Run("prune connection once batch is over", func(t *testing.T) {
		b := newTestBatch(t, testBatchOpts{swept: true})
		svc := newTestService(t, b, testConfig)
		svc.repo.intents.store(b.submittedIntent(testIntentId))

		// a second intent keeps the topics non empty once the first one settles
		waiting := b.submittedIntent("intent-id-2")
		waiting.Txid = chainhash.HashH([]byte("intent-2")).String()
		waiting.Vtxos = []domain.Outpoint{{Txid: chainhash.HashH([]byte("vtxo-2")).String(), VOut: 1}}
		svc.repo.intents.store(waiting)

		svc.start(t)

		stream := svc.waitForStream(t, 1)
		require.Contains(t, stream.topics, waiting.Vtxos[0].String())
		svc.joinBatch(t, stream, testIntentId)

		require.Eventually(t, func() bool {
			total, unreserved := svc.connectionStats()
			return total == 1 && unreserved == 0
		}, waitFor, tick)

		// a refresh never closes a reserved connection
		svc.triggerRefresh()
		require.Eventually(t, func() bool {
			total, unreserved := svc.connectionStats()
			return total == 2 && unreserved == 1
		}, waitFor, tick)
		svc.waitForStream(t, 2)

		stream.send(domain.BatchFinalized{Id: testBatchId, CommitmentTxid: b.commitmentTxid()})
		svc.waitForState(t, testIntentTxid, domain.IntentStateBatchSucceeded)

		require.Eventually(t, func() bool {
			total, unreserved := svc.connectionStats()
			return total == 1 && unreserved == 1
		}, waitFor, tick)

		last := svc.transport.lastStream()
		require.Contains(t, last.topics, waiting.Vtxos[0].String())
		require.NotContains(t, last.topics, b.vtxo.Outpoint.String())
	})

	t.Run("reconnect after stream failure", func(t *testing.T) {
		b := newTestBatch(t, testBatchOpts{numOfConnectors: 1})
		svc := newTestService(t, b, testConfig)
		svc.repo.intents.store(b.submittedIntent(testIntentId))
		svc.start(t)

		stream := svc.waitForStream(t, 1)
		stream.fail(fmt.Errorf("connection reset by peer"))

		next := svc.waitForStream(t, 2)
		require.Equal(t, stream.topics, next.topics)
		require.Eventually(t, func() bool {
			total, _ := svc.connectionStats()
			return total == 1
		}, waitFor, tick)
	})

	t.Run("no connection without topics", func(t *testing.T) {
		b := newTestBatch(t, testBatchOpts{numOfConnectors: 1})
		svc := newTestService(t, b, testConfig)
		svc.start(t)

		require.Never(t, func() bool {
			return svc.transport.streamCount() > 0
		}, 200*time.Millisecond, tick)
		require.Eventually(t, func() bool {
			total, _ := svc.connectionStats()
			return total == 0
		}, waitFor, tick)
	})
}

func TestIntentLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		b := newTestBatch(t, testBatchOpts{numOfConnectors: 1})
		svc := newTestService(t, b, testConfig)
		svc.transport.On(
			"RegisterIntent", mock.Anything, "register-proof", "register-message",
		).Return(testIntentId, nil).Once()
		svc.transport.On(
			"DeleteIntent", mock.Anything, "delete-proof", "delete-message",
		).Return(nil).Once()
		svc.start(t)

		require.Nil(t, svc.AddIntent(ctx, b.intent))
		intent, err := svc.GetIntent(ctx, testIntentTxid)
		require.Nil(t, err)
		require.Equal(t, domain.IntentStateWaitingToSubmit, intent.State)

		require.Nil(t, svc.SubmitIntent(ctx, testIntentTxid))
		intent, err = svc.GetIntent(ctx, testIntentTxid)
		require.Nil(t, err)
		require.Equal(t, domain.IntentStateWaitingForBatch, intent.State)
		require.Equal(t, testIntentId, intent.Id)

		// the submitted intent opens a connection on its topics
		stream := svc.waitForStream(t, 1)
		require.Contains(t, stream.topics, b.vtxo.Outpoint.String())

		require.Nil(t, svc.CancelIntent(ctx, testIntentTxid, "user request"))
		intent, err = svc.GetIntent(ctx, testIntentTxid)
		require.Nil(t, err)
		require.Equal(t, domain.IntentStateCancelled, intent.State)
		require.Equal(t, "user request", intent.CancellationReason)

		svc.transport.AssertExpectations(t)
	})

	t.Run("expire intent", func(t *testing.T) {
		b := newTestBatch(t, testBatchOpts{numOfConnectors: 1})
		svc := newTestService(t, b, testConfig)
		svc.start(t)

		future := b.intent
		future.ExpiresAt = time.Now().Add(time.Hour).Unix()
		require.Nil(t, svc.AddIntent(ctx, future))
		svc.scheduler.AssertCalled(t, "ScheduleTaskOnce", future.ExpiresAt, mock.Anything)
		require.Nil(t, svc.CancelIntent(ctx, future.Txid, "replaced"))

		expired := b.intent
		expired.Txid = chainhash.HashH([]byte("expired")).String()
		expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
		require.Nil(t, svc.AddIntent(ctx, expired))

		svc.waitForState(t, expired.Txid, domain.IntentStateCancelled)
		require.Equal(t, "expired", svc.intent(t, expired.Txid).CancellationReason)
	})

	t.Run("invalid", func(t *testing.T) {
		b := newTestBatch(t, testBatchOpts{numOfConnectors: 1})
		svc := newTestService(t, b, testConfig)
		svc.transport.On("RegisterIntent", mock.Anything, mock.Anything, mock.Anything).
			Return("", fmt.Errorf("server unavailable")).Once()
		svc.start(t)

		require.Nil(t, svc.AddIntent(ctx, b.intent))

		duplicated := b.intent
		duplicated.Txid = chainhash.HashH([]byte("duplicated")).String()

		unknownVtxo := b.intent
		unknownVtxo.Txid = chainhash.HashH([]byte("unknown")).String()
		unknownVtxo.Vtxos = []domain.Outpoint{{Txid: chainhash.HashH([]byte("nope")).String()}}

		versioned := b.intent
		versioned.Txid = chainhash.HashH([]byte("versioned")).String()
		versioned.Version = 3

		submitted := b.submittedIntent(testIntentId)
		submitted.Txid = chainhash.HashH([]byte("submitted")).String()

		testCases := []struct {
			description string
			intent      domain.Intent
			wantCode    uint16
		}{
			{"vtxo already registered", duplicated, errors.VTXO_ALREADY_REGISTERED.Code},
			{"unknown vtxo", unknownVtxo, errors.VTXO_NOT_FOUND.Code},
			{"version not zero", versioned, errors.INTENT_VERSION_CONFLICT.Code},
			{"not waiting to submit", submitted, errors.INVALID_INTENT_STATE.Code},
		}

		for _, tc := range testCases {
			t.Run(tc.description, func(t *testing.T) {
				err := svc.AddIntent(ctx, tc.intent)
				require.NotNil(t, err)
				require.Equal(t, tc.wantCode, err.Code())
			})
		}

		t.Run("submit", func(t *testing.T) {
			err := svc.SubmitIntent(ctx, "unknown")
			require.NotNil(t, err)
			require.True(t, errors.INTENT_NOT_FOUND.Is(err))

			err = svc.SubmitIntent(ctx, testIntentTxid)
			require.NotNil(t, err)
			require.True(t, errors.TRANSPORT_ERROR.Is(err))
			require.Equal(
				t, domain.IntentStateWaitingToSubmit, svc.intent(t, testIntentTxid).State,
			)
		})

		t.Run("cancel", func(t *testing.T) {
			require.Nil(t, svc.CancelIntent(ctx, testIntentTxid, "user request"))

			err := svc.CancelIntent(ctx, testIntentTxid, "again")
			require.NotNil(t, err)
			require.True(t, errors.INVALID_INTENT_STATE.Is(err))

			err = svc.SubmitIntent(ctx, testIntentTxid)
			require.NotNil(t, err)
			require.True(t, errors.INVALID_INTENT_STATE.Is(err))

			// a cancelled intent releases its vtxos
			require.Nil(t, svc.AddIntent(ctx, duplicated))
		})
	})
}

func TestNewService(t *testing.T) {
	b := newTestBatch(t, testBatchOpts{})
	repo := newMockRepoManager()
	transport := &mockTransport{}
	locker := newMockLocker()
	scheduler := newMockScheduler()

	testCases := []struct {
		description string
		build       func() error
	}{
		{"missing repo manager", func() error {
			_, err := NewService(testConfig, nil, transport, b.signer, locker, scheduler, nil)
			return err
		}},
		{"missing transport", func() error {
			_, err := NewService(testConfig, repo, nil, b.signer, locker, scheduler, nil)
			return err
		}},
		{"missing signer", func() error {
			_, err := NewService(testConfig, repo, transport, nil, locker, scheduler, nil)
			return err
		}},
		{"missing locker", func() error {
			_, err := NewService(testConfig, repo, transport, b.signer, nil, scheduler, nil)
			return err
		}},
		{"missing scheduler", func() error {
			_, err := NewService(testConfig, repo, transport, b.signer, locker, nil, nil)
			return err
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			require.Error(t, tc.build())
		})
	}

	t.Run("start fails if server is unreachable", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("GetInfo", mock.Anything).Return(nil, fmt.Errorf("connection refused"))
		svc, err := NewService(testConfig, repo, transport, b.signer, locker, scheduler, nil)
		require.NoError(t, err)

		startErr := svc.Start()
		require.NotNil(t, startErr)
		require.True(t, errors.TRANSPORT_ERROR.Is(startErr))
	})

	t.Run("config defaults", func(t *testing.T) {
		cfg := Config{}.withDefaults()
		require.Equal(t, defaultRefreshInterval, cfg.RefreshInterval)
		require.Equal(t, defaultReconnectBackoff, cfg.ReconnectBackoff)
		require.Equal(t, defaultTriggerQueueSize, cfg.TriggerQueueSize)
	})
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		require.FailNow(t, "timed out waiting for value")
	}
	var zero T
	return zero
}
