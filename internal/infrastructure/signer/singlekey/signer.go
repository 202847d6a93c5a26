// Package singlekey implements a signer service backed by one in-memory
// private key, shared by every signer descriptor resolving to its public key.
package singlekey

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/arkade-os/batch-settler/internal/core/ports"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/script"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/txutils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

type signer struct {
	privateKey *btcec.PrivateKey
	musig      tree.MusigSigner
}

// NewSigner parses the hex encoded private key.
func NewSigner(privateKeyHex string) (ports.SignerService, error) {
	buf, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key format: %s", err)
	}
	if len(buf) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key length %d", len(buf))
	}
	privateKey, _ := btcec.PrivKeyFromBytes(buf)
	return NewSignerFromKey(privateKey), nil
}

func NewSignerFromKey(privateKey *btcec.PrivateKey) ports.SignerService {
	return &signer{
		privateKey: privateKey,
		musig:      tree.NewPrivateKeySigner(privateKey),
	}
}

func (s *signer) GetPublicKey(_ context.Context, descriptor string) (*btcec.PublicKey, error) {
	if err := s.checkDescriptor(descriptor); err != nil {
		return nil, err
	}
	return s.privateKey.PubKey(), nil
}

func (s *signer) GenerateNonce(
	ctx context.Context, descriptor string, musigCtx *tree.MusigContext,
) (*musig2.Nonces, error) {
	if err := s.checkDescriptor(descriptor); err != nil {
		return nil, err
	}
	if err := s.checkLocalKey(musigCtx); err != nil {
		return nil, err
	}
	return s.musig.GenerateNonce(ctx, musigCtx)
}

func (s *signer) SignMusig(
	ctx context.Context, descriptor string,
	musigCtx *tree.MusigContext, nonces *musig2.Nonces,
) (*musig2.PartialSignature, error) {
	if err := s.checkDescriptor(descriptor); err != nil {
		return nil, err
	}
	if err := s.checkLocalKey(musigCtx); err != nil {
		return nil, err
	}
	return s.musig.Sign(ctx, musigCtx, nonces)
}

// SignTapscriptInput signs every leaf of the input whose closure includes the signer key.
func (s *signer) SignTapscriptInput(
	_ context.Context, descriptor string, ptx *psbt.Packet, inputIndex int,
) error {
	if err := s.checkDescriptor(descriptor); err != nil {
		return err
	}
	if inputIndex < 0 || inputIndex >= len(ptx.Inputs) {
		return fmt.Errorf("input index %d out of range", inputIndex)
	}

	input := ptx.Inputs[inputIndex]
	if len(input.TaprootLeafScript) == 0 {
		return fmt.Errorf("input %d has no tapscript leaf", inputIndex)
	}

	prevoutFetcher, err := txutils.GetPrevOutputFetcher(ptx)
	if err != nil {
		return err
	}
	txSigHashes := txscript.NewTxSigHashes(ptx.UnsignedTx, prevoutFetcher)
	myPubkey := schnorr.SerializePubKey(s.privateKey.PubKey())

	signed := false
	for _, leaf := range input.TaprootLeafScript {
		closure, err := script.DecodeClosure(leaf.Script)
		if err != nil {
			// skip unknown leaf
			continue
		}
		if !closureIncludesKey(closure, myPubkey) {
			continue
		}

		tapLeaf := txscript.NewBaseTapLeaf(leaf.Script)
		preimage, err := txscript.CalcTapscriptSignaturehash(
			txSigHashes, txscript.SigHashDefault, ptx.UnsignedTx,
			inputIndex, prevoutFetcher, tapLeaf,
		)
		if err != nil {
			return err
		}

		sig, err := schnorr.Sign(s.privateKey, preimage)
		if err != nil {
			return err
		}

		leafHash := tapLeaf.TapHash()
		ptx.Inputs[inputIndex].TaprootScriptSpendSig = append(
			ptx.Inputs[inputIndex].TaprootScriptSpendSig,
			&psbt.TaprootScriptSpendSig{
				XOnlyPubKey: myPubkey,
				LeafHash:    leafHash.CloneBytes(),
				Signature:   sig.Serialize(),
				SigHash:     txscript.SigHashDefault,
			},
		)
		signed = true
	}

	if !signed {
		return fmt.Errorf("no leaf of input %d can be signed by %x", inputIndex, myPubkey)
	}
	return nil
}

// checkDescriptor accepts an empty descriptor, the hex encoded public key of
// the signer, compressed or x-only, or the same wrapped as tr(<pubkey>).
func (s *signer) checkDescriptor(descriptor string) error {
	if descriptor == "" {
		return nil
	}

	key := descriptor
	if strings.HasPrefix(key, "tr(") && strings.HasSuffix(key, ")") {
		key = strings.TrimSuffix(strings.TrimPrefix(key, "tr("), ")")
	}

	pubkey := s.privateKey.PubKey()
	switch strings.ToLower(key) {
	case hex.EncodeToString(pubkey.SerializeCompressed()),
		hex.EncodeToString(schnorr.SerializePubKey(pubkey)):
		return nil
	default:
		return fmt.Errorf("unknown signer descriptor %s", descriptor)
	}
}

func (s *signer) checkLocalKey(musigCtx *tree.MusigContext) error {
	if musigCtx == nil {
		return fmt.Errorf("missing musig context")
	}
	if musigCtx.LocalKey != nil && !musigCtx.LocalKey.IsEqual(s.privateKey.PubKey()) {
		return fmt.Errorf("musig context of tx %s is bound to another key", musigCtx.Txid)
	}
	return nil
}

func closureIncludesKey(closure script.Closure, xOnlyKey []byte) bool {
	var keys []*btcec.PublicKey
	switch c := closure.(type) {
	case *script.MultisigClosure:
		keys = c.PubKeys
	case *script.CSVMultisigClosure:
		keys = c.PubKeys
	}
	for _, key := range keys {
		if bytes.Equal(schnorr.SerializePubKey(key), xOnlyKey) {
			return true
		}
	}
	return false
}
