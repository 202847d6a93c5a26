package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/arkade-os/batch-settler/pkg/errors"
)

type IntentState uint8

const (
	IntentStateUndefined IntentState = iota
	IntentStateWaitingToSubmit
	IntentStateWaitingForBatch
	IntentStateBatchInProgress
	IntentStateBatchSucceeded
	IntentStateBatchFailed
	IntentStateCancelled
)

func (s IntentState) String() string {
	switch s {
	case IntentStateWaitingToSubmit:
		return "WaitingToSubmit"
	case IntentStateWaitingForBatch:
		return "WaitingForBatch"
	case IntentStateBatchInProgress:
		return "BatchInProgress"
	case IntentStateBatchSucceeded:
		return "BatchSucceeded"
	case IntentStateBatchFailed:
		return "BatchFailed"
	case IntentStateCancelled:
		return "Cancelled"
	default:
		return "Undefined"
	}
}

func (s IntentState) IsTerminal() bool {
	return s == IntentStateBatchSucceeded ||
		s == IntentStateBatchFailed ||
		s == IntentStateCancelled
}

// IsActive returns whether an intent in this state needs to listen to batch events.
func (s IntentState) IsActive() bool {
	return s == IntentStateWaitingForBatch || s == IntentStateBatchInProgress
}

type IntentOutput struct {
	// Script is the hex encoded output script
	Script  string
	Amount  uint64
	Onchain bool
}

// Intent is a request to settle some vtxos into the next batch.
// It is identified by the txid of its proof of ownership.
type Intent struct {
	Txid string
	// Id is assigned by the server on registration
	Id                 string
	WalletId           string
	State              IntentState
	ValidAt            int64
	ExpiresAt          int64
	CreatedAt          int64
	UpdatedAt          int64
	RegisterProof      string
	RegisterMessage    string
	DeleteProof        string
	DeleteMessage      string
	BatchId            string
	CommitmentTxid     string
	CancellationReason string
	Vtxos              []Outpoint
	Outputs            []IntentOutput
	SignerDescriptor   string
	// Version is bumped by every transition and used for optimistic locking
	Version uint
}

func NewIntent(
	txid, walletId, signerDescriptor string,
	registerProof, registerMessage, deleteProof, deleteMessage string,
	vtxos []Outpoint, outputs []IntentOutput, validAt, expiresAt int64,
) (*Intent, error) {
	if txid == "" {
		return nil, fmt.Errorf("missing intent txid")
	}
	if len(vtxos) == 0 {
		return nil, fmt.Errorf("missing intent inputs")
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("missing intent outputs")
	}
	if registerProof == "" || registerMessage == "" {
		return nil, fmt.Errorf("missing register proof")
	}
	if expiresAt > 0 && validAt > expiresAt {
		return nil, fmt.Errorf("intent expires before being valid")
	}

	now := time.Now().Unix()
	return &Intent{
		Txid:             txid,
		WalletId:         walletId,
		State:            IntentStateWaitingToSubmit,
		ValidAt:          validAt,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
		RegisterProof:    registerProof,
		RegisterMessage:  registerMessage,
		DeleteProof:      deleteProof,
		DeleteMessage:    deleteMessage,
		Vtxos:            vtxos,
		Outputs:          outputs,
		SignerDescriptor: signerDescriptor,
	}, nil
}

// HashedId is the form in which the server announces the intents of a batch.
func (i *Intent) HashedId() string {
	if i.Id == "" {
		return ""
	}
	buf := sha256.Sum256([]byte(i.Id))
	return hex.EncodeToString(buf[:])
}

func (i *Intent) IsTerminal() bool {
	return i.State.IsTerminal()
}

// CanSubmit returns an error if the intent cannot be registered with the server.
func (i *Intent) CanSubmit() error {
	return i.checkState("submit", IntentStateWaitingToSubmit)
}

// Submit records the id assigned by the server on registration.
func (i *Intent) Submit(id string) error {
	if id == "" {
		return fmt.Errorf("missing intent id")
	}
	if err := i.checkState("submit", IntentStateWaitingToSubmit); err != nil {
		return err
	}

	i.Id = id
	i.transition(IntentStateWaitingForBatch)
	return nil
}

// StartBatch records the batch the intent has been selected for.
func (i *Intent) StartBatch(batchId string) error {
	if batchId == "" {
		return fmt.Errorf("missing batch id")
	}
	if err := i.checkState("start batch", IntentStateWaitingForBatch); err != nil {
		return err
	}

	i.BatchId = batchId
	i.transition(IntentStateBatchInProgress)
	return nil
}

func (i *Intent) Succeed(commitmentTxid string) error {
	if commitmentTxid == "" {
		return fmt.Errorf("missing commitment txid")
	}
	if err := i.checkState("succeed", IntentStateBatchInProgress); err != nil {
		return err
	}

	i.CommitmentTxid = commitmentTxid
	i.transition(IntentStateBatchSucceeded)
	return nil
}

// Fail terminates the intent. The batch id is kept for reference.
func (i *Intent) Fail(reason string) error {
	if err := i.checkState("fail", IntentStateBatchInProgress); err != nil {
		return err
	}

	i.CancellationReason = reason
	i.transition(IntentStateBatchFailed)
	return nil
}

// ResetForRetry brings back an intent whose batch failed to its initial state
// so that it can be registered again for the next batch.
func (i *Intent) ResetForRetry() error {
	if err := i.checkState("reset", IntentStateBatchInProgress); err != nil {
		return err
	}

	i.Id = ""
	i.BatchId = ""
	i.CommitmentTxid = ""
	i.transition(IntentStateWaitingToSubmit)
	return nil
}

func (i *Intent) Cancel(reason string) error {
	if i.State == IntentStateUndefined || i.IsTerminal() {
		return i.invalidTransition("cancel")
	}

	i.BatchId = ""
	i.CancellationReason = reason
	i.transition(IntentStateCancelled)
	return nil
}

func (i *Intent) checkState(transition string, allowed IntentState) error {
	if i.State != allowed {
		return i.invalidTransition(transition)
	}
	return nil
}

func (i *Intent) invalidTransition(transition string) error {
	return errors.INVALID_INTENT_STATE.New(
		"cannot %s intent %s in state %s", transition, i.Txid, i.State,
	).WithMetadata(errors.IntentStateMetadata{
		IntentTxid: i.Txid,
		State:      i.State.String(),
		Transition: transition,
	})
}

func (i *Intent) transition(state IntentState) {
	i.State = state
	i.Version++
	i.UpdatedAt = time.Now().Unix()
}
