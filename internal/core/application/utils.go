package application

import (
	"bytes"
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/internal/core/ports"
	arklib "github.com/arkade-os/batch-settler/pkg/ark-lib"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/script"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
	"github.com/arkade-os/batch-settler/pkg/errors"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var errSkipUpdate = stderrors.New("intent update skipped")

// musigSigner binds a signer descriptor to the signer service for a tree signing session.
type musigSigner struct {
	signer     ports.SignerService
	descriptor string
}

func (m musigSigner) GenerateNonce(
	ctx context.Context, musigCtx *tree.MusigContext,
) (*musig2.Nonces, error) {
	return m.signer.GenerateNonce(ctx, m.descriptor, musigCtx)
}

func (m musigSigner) Sign(
	ctx context.Context, musigCtx *tree.MusigContext, nonces *musig2.Nonces,
) (*musig2.PartialSignature, error) {
	return m.signer.SignMusig(ctx, m.descriptor, musigCtx, nonces)
}

// sweepTapTreeRoot returns the taproot tweak of every vtxo tree output: the
// server can sweep them with its forfeit key once the batch expires.
func sweepTapTreeRoot(forfeitPubkey *btcec.PublicKey, batchExpiry arklib.RelativeLocktime) ([]byte, error) {
	sweepClosure := &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{PubKeys: []*btcec.PublicKey{forfeitPubkey}},
		Locktime:        batchExpiry,
	}
	sweepScript, err := sweepClosure.Script()
	if err != nil {
		return nil, err
	}
	return tree.SweepTapTreeRoot(sweepScript), nil
}

func forfeitOutputScript(forfeitAddress string, network arklib.Network) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(forfeitAddress, network.ChainParams())
	if err != nil {
		return nil, fmt.Errorf("invalid forfeit address %s: %w", forfeitAddress, err)
	}
	return txscript.PayToAddrScript(addr)
}

func parsePubkey(pubkey string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey format: %w", err)
	}
	return btcec.ParsePubKey(buf)
}

// validateOutputs checks that every output declared by the intent is part of
// the batch: onchain outputs in the commitment tx, offchain ones as vtxo tree leaves.
func validateOutputs(
	batchId string, outputs []domain.IntentOutput,
	commitmentTx *psbt.Packet, vtxoTree *tree.TxTree,
) error {
	leafOutputs := make([]*wire.TxOut, 0)
	for _, leaf := range vtxoTree.Leaves() {
		for _, out := range leaf.UnsignedTx.TxOut {
			if tree.IsAnchor(out) {
				continue
			}
			leafOutputs = append(leafOutputs, out)
		}
	}

	for _, output := range outputs {
		script, err := hex.DecodeString(output.Script)
		if err != nil {
			return fmt.Errorf("invalid output script %s: %w", output.Script, err)
		}

		candidates := leafOutputs
		if output.Onchain {
			candidates = commitmentTx.UnsignedTx.TxOut
		}

		if !containsOutput(candidates, script, int64(output.Amount)) {
			return errors.MISSING_OUTPUT.New(
				"output %s of amount %d not found in batch", output.Script, output.Amount,
			).WithMetadata(errors.MissingOutputMetadata{
				BatchId: batchId,
				Script:  output.Script,
				Amount:  output.Amount,
				Onchain: output.Onchain,
			})
		}
	}
	return nil
}

// paysOutputs returns whether the tree leaf pays any offchain output of the intent.
func paysOutputs(leaf *psbt.Packet, outputs []domain.IntentOutput) bool {
	for _, output := range outputs {
		if output.Onchain {
			continue
		}
		script, err := hex.DecodeString(output.Script)
		if err != nil {
			continue
		}
		if containsOutput(leaf.UnsignedTx.TxOut, script, int64(output.Amount)) {
			return true
		}
	}
	return false
}

func containsOutput(outputs []*wire.TxOut, script []byte, amount int64) bool {
	for _, out := range outputs {
		if out.Value == amount && bytes.Equal(out.PkScript, script) {
			return true
		}
	}
	return false
}

// connectorOutput returns the outpoint and output of the connector of a
// connector tree leaf, skipping the anchor.
func connectorOutput(leaf *psbt.Packet) (*wire.OutPoint, *wire.TxOut, error) {
	txid := leaf.UnsignedTx.TxHash()
	for i, out := range leaf.UnsignedTx.TxOut {
		if tree.IsAnchor(out) {
			continue
		}
		return wire.NewOutPoint(&txid, uint32(i)), out, nil
	}
	return nil, nil, fmt.Errorf("connector leaf %s has no connector output", txid)
}

// toError converts any error into the typed error returned by the service.
func toError(err error) errors.Error {
	if err == nil {
		return nil
	}
	var typed errors.Error
	if stderrors.As(err, &typed) {
		return typed
	}
	return errors.INTERNAL_ERROR.Wrap(err)
}
