package application

import (
	"bytes"
	"fmt"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/script"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/txutils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

// tapscriptCoinResolver resolves the forfeit path of a vtxo from the tapscripts
// of its contract. The forfeit leaf is the first timelock-free multisig
// closure including the server signer key.
type tapscriptCoinResolver struct {
	serverSignerKey *btcec.PublicKey
}

func newCoinResolver(serverSignerKey *btcec.PublicKey) *tapscriptCoinResolver {
	return &tapscriptCoinResolver{serverSignerKey}
}

func (r *tapscriptCoinResolver) GetCoin(
	contract domain.Contract, vtxo domain.Vtxo,
) (*domain.Coin, error) {
	if contract.Script != vtxo.Script {
		return nil, fmt.Errorf(
			"contract %s does not match script of vtxo %s", contract.Script, vtxo.Outpoint,
		)
	}

	tapscripts, err := contract.DecodeTapscripts()
	if err != nil {
		return nil, err
	}
	if len(tapscripts) == 0 {
		return nil, fmt.Errorf("contract %s has no tapscripts", contract.Script)
	}

	forfeitIndex := -1
	leaves := make([]txscript.TapLeaf, 0, len(tapscripts))
	for i, tapscript := range tapscripts {
		leaves = append(leaves, txscript.NewBaseTapLeaf(tapscript))
		if forfeitIndex < 0 && r.isForfeitClosure(tapscript) {
			forfeitIndex = i
		}
	}
	if forfeitIndex < 0 {
		return nil, fmt.Errorf("contract %s has no forfeit closure", contract.Script)
	}

	internalKey := script.UnspendableKey()
	tapTree := txscript.AssembleTaprootScriptTree(leaves...)
	root := tapTree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, root[:])

	outputScript, err := txutils.P2TRScript(outputKey)
	if err != nil {
		return nil, err
	}
	vtxoScript, err := vtxo.OutputScript()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(outputScript, vtxoScript) {
		return nil, fmt.Errorf(
			"tapscripts of contract %s do not commit to vtxo script", contract.Script,
		)
	}

	proof := tapTree.LeafMerkleProofs[forfeitIndex]
	cb := proof.ToControlBlock(internalKey)
	controlBlock, err := cb.ToBytes()
	if err != nil {
		return nil, err
	}

	return &domain.Coin{
		Vtxo:              vtxo,
		Contract:          contract,
		ForfeitLeafScript: tapscripts[forfeitIndex],
		ControlBlock:      controlBlock,
	}, nil
}

func (r *tapscriptCoinResolver) isForfeitClosure(tapscript []byte) bool {
	closure := &script.MultisigClosure{}
	valid, err := closure.Decode(tapscript)
	if err != nil || !valid {
		return false
	}
	serverKey := schnorr.SerializePubKey(r.serverSignerKey)
	for _, key := range closure.PubKeys {
		if bytes.Equal(schnorr.SerializePubKey(key), serverKey) {
			return true
		}
	}
	return false
}
