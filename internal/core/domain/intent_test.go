package domain_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	intentTxid = "5f4a2c0f2b0e4c0d8a1e7f3b9c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d"
	vtxos      = []domain.Outpoint{{Txid: intentTxid, VOut: 0}}
	outputs    = []domain.IntentOutput{{Script: "5120aa", Amount: 50000}}
)

func TestNewIntent(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		intent, err := domain.NewIntent(
			intentTxid, "wallet", "desc", "proof", "message", "", "",
			vtxos, outputs, 0, 0,
		)
		require.NoError(t, err)
		require.Equal(t, domain.IntentStateWaitingToSubmit, intent.State)
		require.Zero(t, intent.Version)
		require.Empty(t, intent.Id)
		require.Empty(t, intent.HashedId())
	})

	t.Run("invalid", func(t *testing.T) {
		fixtures := []struct {
			name    string
			txid    string
			vtxos   []domain.Outpoint
			outputs []domain.IntentOutput
			proof   string
		}{
			{"missing txid", "", vtxos, outputs, "proof"},
			{"missing inputs", intentTxid, nil, outputs, "proof"},
			{"missing outputs", intentTxid, vtxos, nil, "proof"},
			{"missing proof", intentTxid, vtxos, outputs, ""},
		}
		for _, f := range fixtures {
			t.Run(f.name, func(t *testing.T) {
				intent, err := domain.NewIntent(
					f.txid, "wallet", "desc", f.proof, "message", "", "",
					f.vtxos, f.outputs, 0, 0,
				)
				require.Error(t, err)
				require.Nil(t, intent)
			})
		}
	})
}

func TestIntentStateMachine(t *testing.T) {
	t.Parallel()

	transitions := map[string]func(intent *domain.Intent) error{
		"submit":      func(i *domain.Intent) error { return i.Submit("intent-id") },
		"start batch": func(i *domain.Intent) error { return i.StartBatch("batch-id") },
		"succeed":     func(i *domain.Intent) error { return i.Succeed("commitment-txid") },
		"fail":        func(i *domain.Intent) error { return i.Fail("reason") },
		"reset":       func(i *domain.Intent) error { return i.ResetForRetry() },
		"cancel":      func(i *domain.Intent) error { return i.Cancel("reason") },
	}

	allowed := map[domain.IntentState]map[string]domain.IntentState{
		domain.IntentStateWaitingToSubmit: {
			"submit": domain.IntentStateWaitingForBatch,
			"cancel": domain.IntentStateCancelled,
		},
		domain.IntentStateWaitingForBatch: {
			"start batch": domain.IntentStateBatchInProgress,
			"cancel":      domain.IntentStateCancelled,
		},
		domain.IntentStateBatchInProgress: {
			"succeed": domain.IntentStateBatchSucceeded,
			"fail":    domain.IntentStateBatchFailed,
			"reset":   domain.IntentStateWaitingToSubmit,
			"cancel":  domain.IntentStateCancelled,
		},
		domain.IntentStateBatchSucceeded: {},
		domain.IntentStateBatchFailed:    {},
		domain.IntentStateCancelled:      {},
	}

	for state, allowedTransitions := range allowed {
		for name, transition := range transitions {
			t.Run(state.String()+"/"+name, func(t *testing.T) {
				intent := intentInState(t, state)
				version := intent.Version

				err := transition(intent)

				expectedState, ok := allowedTransitions[name]
				if !ok {
					require.Error(t, err)
					require.True(t, errors.INVALID_INTENT_STATE.Is(err))
					require.Equal(t, state, intent.State)
					require.Equal(t, version, intent.Version)
					return
				}

				require.NoError(t, err)
				require.Equal(t, expectedState, intent.State)
				require.Equal(t, version+1, intent.Version)
				checkInvariants(t, intent)
			})
		}
	}
}

func TestIntentRetry(t *testing.T) {
	t.Parallel()

	intent := intentInState(t, domain.IntentStateBatchInProgress)
	require.NotEmpty(t, intent.Id)
	require.NotEmpty(t, intent.BatchId)

	err := intent.ResetForRetry()
	require.NoError(t, err)
	require.Equal(t, domain.IntentStateWaitingToSubmit, intent.State)
	require.Empty(t, intent.Id)
	require.Empty(t, intent.BatchId)
	require.Empty(t, intent.HashedId())

	// can be registered again
	require.NoError(t, intent.Submit("new-intent-id"))
	require.NoError(t, intent.StartBatch("new-batch-id"))
	require.NoError(t, intent.Succeed("commitment-txid"))
	require.Equal(t, "new-batch-id", intent.BatchId)
	require.Equal(t, "commitment-txid", intent.CommitmentTxid)
	require.True(t, intent.IsTerminal())
}

func TestIntentCancelDuringBatch(t *testing.T) {
	t.Parallel()

	intent := intentInState(t, domain.IntentStateBatchInProgress)
	require.Equal(t, "batch-id", intent.BatchId)

	err := intent.Cancel("wallet deleted")
	require.NoError(t, err)
	require.Equal(t, domain.IntentStateCancelled, intent.State)
	require.Empty(t, intent.BatchId)
	require.Equal(t, "wallet deleted", intent.CancellationReason)
	require.True(t, intent.IsTerminal())
}

func TestIntentHashedId(t *testing.T) {
	t.Parallel()

	intent := intentInState(t, domain.IntentStateWaitingForBatch)
	expected := sha256.Sum256([]byte("intent-id"))
	require.Equal(t, hex.EncodeToString(expected[:]), intent.HashedId())
}

func intentInState(t *testing.T, state domain.IntentState) *domain.Intent {
	t.Helper()

	intent, err := domain.NewIntent(
		intentTxid, "wallet", "desc", "proof", "message", "", "",
		vtxos, outputs, 0, 0,
	)
	require.NoError(t, err)

	steps := map[domain.IntentState][]func() error{
		domain.IntentStateWaitingToSubmit: nil,
		domain.IntentStateWaitingForBatch: {
			func() error { return intent.Submit("intent-id") },
		},
		domain.IntentStateBatchInProgress: {
			func() error { return intent.Submit("intent-id") },
			func() error { return intent.StartBatch("batch-id") },
		},
		domain.IntentStateBatchSucceeded: {
			func() error { return intent.Submit("intent-id") },
			func() error { return intent.StartBatch("batch-id") },
			func() error { return intent.Succeed("commitment-txid") },
		},
		domain.IntentStateBatchFailed: {
			func() error { return intent.Submit("intent-id") },
			func() error { return intent.StartBatch("batch-id") },
			func() error { return intent.Fail("reason") },
		},
		domain.IntentStateCancelled: {
			func() error { return intent.Cancel("reason") },
		},
	}

	for _, step := range steps[state] {
		require.NoError(t, step())
	}
	require.Equal(t, state, intent.State)
	return intent
}

func checkInvariants(t *testing.T, intent *domain.Intent) {
	t.Helper()

	switch intent.State {
	case domain.IntentStateWaitingToSubmit:
		require.Empty(t, intent.Id)
		require.Empty(t, intent.BatchId)
	case domain.IntentStateWaitingForBatch:
		require.NotEmpty(t, intent.Id)
		require.Empty(t, intent.BatchId)
	case domain.IntentStateBatchInProgress, domain.IntentStateBatchFailed:
		require.NotEmpty(t, intent.Id)
		require.NotEmpty(t, intent.BatchId)
	case domain.IntentStateBatchSucceeded:
		require.NotEmpty(t, intent.Id)
		require.NotEmpty(t, intent.BatchId)
		require.NotEmpty(t, intent.CommitmentTxid)
	case domain.IntentStateCancelled:
		require.Empty(t, intent.BatchId)
		require.NotEmpty(t, intent.CancellationReason)
	}
}
