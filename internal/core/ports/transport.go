package ports

import (
	"context"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
)

type FeeInfo struct {
	IntentFees map[string]string
	TxFeeRate  float64
}

// ServerInfo holds the parameters of the ark server the client settles with.
type ServerInfo struct {
	Version             string
	Network             string
	SignerPubkey        string
	ForfeitPubkey       string
	ForfeitAddress      string
	CheckpointTapscript string
	DustLimit           uint64
	UnilateralExitDelay int64
	BoardingExitDelay   int64
	SessionDuration     int64
	UtxoMinAmount       int64
	UtxoMaxAmount       int64
	VtxoMinAmount       int64
	VtxoMaxAmount       int64
	Fees                FeeInfo
}

// TransportClient is the client side of the ark server api used during batches.
type TransportClient interface {
	GetInfo(ctx context.Context) (*ServerInfo, error)
	// RegisterIntent returns the id assigned by the server to the intent
	RegisterIntent(ctx context.Context, proof, message string) (string, error)
	DeleteIntent(ctx context.Context, proof, message string) error
	ConfirmRegistration(ctx context.Context, intentId string) error
	// GetEventStream opens a stream of batch events filtered by the given topics.
	// The returned func closes the stream.
	GetEventStream(
		ctx context.Context, topics []string,
	) (<-chan domain.BatchEventChannel, func(), error)
	SubmitTreeNonces(
		ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
	) error
	SubmitTreeSignatures(
		ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
	) error
	SubmitSignedForfeitTxs(
		ctx context.Context, signedForfeitTxs []string, signedCommitmentTx string,
	) error
	Close()
}
