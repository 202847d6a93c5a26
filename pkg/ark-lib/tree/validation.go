package tree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/arkade-os/batch-settler/pkg/ark-lib/txutils"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

var (
	ErrEmptyTree                  = errors.New("empty tree")
	ErrNoRoot                     = errors.New("no root found")
	ErrNoLeaves                   = errors.New("no leaves in the tree")
	ErrNumberOfInputs             = errors.New("node transaction should have only one input")
	ErrWrongCommitmentTxid        = errors.New("the input of the tree root is not the commitment tx")
	ErrOutputIndexOutOfRange      = errors.New("commitment tx output index out of range")
	ErrInvalidAmount              = errors.New("children amount is different from parent amount")
	ErrInvalidChildInput          = errors.New("input of child is not the output of the parent")
	ErrInvalidTaprootScript       = errors.New("invalid taproot script")
	ErrMissingCosignersPublicKeys = errors.New("missing cosigners public keys")
)

// SweepTapTreeRoot returns the merkle root of the taproot script tree made of the
// sweep leaf only. Every tree output key is tweaked with it.
func SweepTapTreeRoot(sweepScript []byte) []byte {
	sweepLeaf := txscript.NewBaseTapLeaf(sweepScript)
	tapTree := txscript.AssembleTaprootScriptTree(sweepLeaf)
	root := tapTree.RootNode.TapHash()
	return root.CloneBytes()
}

// ValidateVtxoTree checks that the given vtxo tree is consistent with the commitment tx:
// - the root spends an existing output of the commitment tx
// - the root outputs sum up exactly to the spent output value
// - the tree has at least one leaf
// - every parent output is locked by the musig2 aggregated key of the child's
// cosigners, tweaked with the sweep tap tree root
func ValidateVtxoTree(
	vtxoTree *TxTree, commitmentTx *psbt.Packet, sweepTapTreeRoot []byte,
) error {
	if vtxoTree == nil || vtxoTree.Root == nil {
		return ErrNoRoot
	}
	if commitmentTx == nil {
		return fmt.Errorf("missing commitment tx")
	}

	if len(vtxoTree.Root.UnsignedTx.TxIn) != 1 {
		return ErrNumberOfInputs
	}

	rootInput := vtxoTree.Root.UnsignedTx.TxIn[0].PreviousOutPoint
	if rootInput.Hash != commitmentTx.UnsignedTx.TxHash() {
		return ErrWrongCommitmentTxid
	}

	if int(rootInput.Index) >= len(commitmentTx.UnsignedTx.TxOut) {
		return ErrOutputIndexOutOfRange
	}
	batchOutputAmount := commitmentTx.UnsignedTx.TxOut[rootInput.Index].Value

	sumRootValue := int64(0)
	for _, output := range vtxoTree.Root.UnsignedTx.TxOut {
		sumRootValue += output.Value
	}

	if sumRootValue != batchOutputAmount {
		return fmt.Errorf("%w: root %d, batch output %d", ErrInvalidAmount, sumRootValue, batchOutputAmount)
	}

	if len(vtxoTree.Leaves()) == 0 {
		return ErrNoLeaves
	}

	if err := vtxoTree.Validate(); err != nil {
		return err
	}

	return vtxoTree.Apply(func(node *TxTree) (bool, error) {
		for outputIndex, child := range node.Children {
			if err := validateChildKey(node.Root, outputIndex, child.Root, sweepTapTreeRoot); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// ValidateConnectorTree checks that the root of the connector tree spends an
// existing output of the given commitment tx.
func ValidateConnectorTree(commitmentTx *psbt.Packet, connectorTree *TxTree) error {
	if connectorTree == nil || connectorTree.Root == nil {
		return ErrNoRoot
	}
	if commitmentTx == nil {
		return fmt.Errorf("missing commitment tx")
	}

	if len(connectorTree.Root.UnsignedTx.TxIn) != 1 {
		return ErrNumberOfInputs
	}

	rootInput := connectorTree.Root.UnsignedTx.TxIn[0].PreviousOutPoint
	if rootInput.Hash != commitmentTx.UnsignedTx.TxHash() {
		return ErrWrongCommitmentTxid
	}

	if int(rootInput.Index) >= len(commitmentTx.UnsignedTx.TxOut) {
		return ErrOutputIndexOutOfRange
	}

	return connectorTree.Validate()
}

func validateChildKey(
	parent *psbt.Packet, outputIndex uint32, child *psbt.Packet, sweepTapTreeRoot []byte,
) error {
	parentOutput := parent.UnsignedTx.TxOut[outputIndex]
	if len(parentOutput.PkScript) != 34 ||
		parentOutput.PkScript[0] != txscript.OP_1 || parentOutput.PkScript[1] != 0x20 {
		return fmt.Errorf(
			"%w: output %d of %s is not taproot",
			ErrInvalidTaprootScript, outputIndex, parent.UnsignedTx.TxID(),
		)
	}
	previousScriptKey := parentOutput.PkScript[2:]

	cosigners, err := txutils.ParseCosignerKeysFromArkPsbt(child, 0)
	if err != nil {
		return fmt.Errorf("failed to get cosigners keys of %s: %w", child.UnsignedTx.TxID(), err)
	}
	if len(cosigners) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingCosignersPublicKeys, child.UnsignedTx.TxID())
	}

	aggregatedKey, err := AggregateKeys(cosigners, sweepTapTreeRoot)
	if err != nil {
		return err
	}

	if !bytes.Equal(schnorr.SerializePubKey(aggregatedKey.FinalKey), previousScriptKey) {
		return fmt.Errorf(
			"%w: output %d of %s", ErrInvalidTaprootScript, outputIndex, parent.UnsignedTx.TxID(),
		)
	}

	return nil
}
