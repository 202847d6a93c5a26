package ports

import (
	"context"

	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil/psbt"
)

// SignerService owns the keys of the local wallets. Keys are selected by the
// signer descriptor attached to intents and contracts.
type SignerService interface {
	GetPublicKey(ctx context.Context, descriptor string) (*btcec.PublicKey, error)
	GenerateNonce(
		ctx context.Context, descriptor string, musigCtx *tree.MusigContext,
	) (*musig2.Nonces, error)
	SignMusig(
		ctx context.Context, descriptor string,
		musigCtx *tree.MusigContext, nonces *musig2.Nonces,
	) (*musig2.PartialSignature, error)
	// SignTapscriptInput adds the schnorr signature of the input's tapscript leaf
	SignTapscriptInput(
		ctx context.Context, descriptor string, ptx *psbt.Packet, inputIndex int,
	) error
}
