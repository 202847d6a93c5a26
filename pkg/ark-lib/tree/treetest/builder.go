// Package treetest builds consistent batches (commitment tx, vtxo and
// connector trees) to exercise tree validation and signing in tests.
package treetest

import (
	"fmt"

	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/txutils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const DefaultConnectorAmount = int64(330)

type Receiver struct {
	Script []byte
	Amount int64
}

type BatchParams struct {
	Receivers []Receiver
	// OnchainOutputs are added to the commitment tx after the batch and connector outputs
	OnchainOutputs   []Receiver
	Cosigners        []*btcec.PublicKey
	SweepTapTreeRoot []byte
	ConnectorScript  []byte
	NumOfConnectors  int
}

type Batch struct {
	CommitmentTx     *psbt.Packet
	VtxoTree         *tree.TxTree
	ConnectorTree    *tree.TxTree
	SweepTapTreeRoot []byte
	SharedAmount     int64
}

// NewBatch builds a commitment tx whose first output is the batch output
// locked by the cosigners and whose second output, if any connector is
// required, funds the connector tree.
func NewBatch(params BatchParams) (*Batch, error) {
	if len(params.Receivers) == 0 {
		return nil, fmt.Errorf("missing receivers")
	}
	if len(params.Cosigners) == 0 {
		return nil, fmt.Errorf("missing cosigners")
	}

	sharedAmount := int64(0)
	for _, receiver := range params.Receivers {
		sharedAmount += receiver.Amount
	}

	batchScript, err := cosignersScript(params.Cosigners, params.SweepTapTreeRoot)
	if err != nil {
		return nil, err
	}

	outputs := []*wire.TxOut{{Value: sharedAmount, PkScript: batchScript}}
	if params.NumOfConnectors > 0 {
		outputs = append(outputs, &wire.TxOut{
			Value:    DefaultConnectorAmount * int64(params.NumOfConnectors),
			PkScript: params.ConnectorScript,
		})
	}
	for _, out := range params.OnchainOutputs {
		outputs = append(outputs, &wire.TxOut{Value: out.Amount, PkScript: out.Script})
	}

	fundingOutpoint := &wire.OutPoint{Hash: chainhash.HashH([]byte("funding")), Index: 0}
	commitmentTx, err := psbt.New(
		[]*wire.OutPoint{fundingOutpoint}, outputs, 3, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}
	commitmentTxid := commitmentTx.UnsignedTx.TxHash()

	vtxoTree, err := BuildVtxoTree(
		wire.OutPoint{Hash: commitmentTxid, Index: 0},
		params.Receivers, params.Cosigners, params.SweepTapTreeRoot,
	)
	if err != nil {
		return nil, err
	}

	var connectorTree *tree.TxTree
	if params.NumOfConnectors > 0 {
		connectorTree, err = BuildConnectorTree(
			wire.OutPoint{Hash: commitmentTxid, Index: 1},
			params.ConnectorScript, params.NumOfConnectors,
		)
		if err != nil {
			return nil, err
		}
	}

	return &Batch{
		CommitmentTx:     commitmentTx,
		VtxoTree:         vtxoTree,
		ConnectorTree:    connectorTree,
		SweepTapTreeRoot: params.SweepTapTreeRoot,
		SharedAmount:     sharedAmount,
	}, nil
}

// BuildVtxoTree builds a binary tree spending the given outpoint, with one leaf per receiver.
// Every node declares all the cosigners.
func BuildVtxoTree(
	input wire.OutPoint, receivers []Receiver,
	cosigners []*btcec.PublicKey, sweepTapTreeRoot []byte,
) (*tree.TxTree, error) {
	if len(receivers) == 1 {
		return newNode(input, []*wire.TxOut{
			{Value: receivers[0].Amount, PkScript: receivers[0].Script},
		}, cosigners)
	}

	half := len(receivers) / 2
	groups := [][]Receiver{receivers[:half], receivers[half:]}

	script, err := cosignersScript(cosigners, sweepTapTreeRoot)
	if err != nil {
		return nil, err
	}

	outputs := make([]*wire.TxOut, 0, len(groups))
	for _, group := range groups {
		amount := int64(0)
		for _, receiver := range group {
			amount += receiver.Amount
		}
		outputs = append(outputs, &wire.TxOut{Value: amount, PkScript: script})
	}

	node, err := newNode(input, outputs, cosigners)
	if err != nil {
		return nil, err
	}

	txid := node.Root.UnsignedTx.TxHash()
	for i, group := range groups {
		child, err := BuildVtxoTree(
			wire.OutPoint{Hash: txid, Index: uint32(i)}, group, cosigners, sweepTapTreeRoot,
		)
		if err != nil {
			return nil, err
		}
		node.Children[uint32(i)] = child
	}
	return node, nil
}

// BuildConnectorTree builds a binary tree spending the given outpoint with the
// given number of connector leaves.
func BuildConnectorTree(
	input wire.OutPoint, connectorScript []byte, numOfConnectors int,
) (*tree.TxTree, error) {
	if numOfConnectors <= 1 {
		return newNode(input, []*wire.TxOut{
			{Value: DefaultConnectorAmount, PkScript: connectorScript},
		}, nil)
	}

	half := numOfConnectors / 2
	counts := []int{half, numOfConnectors - half}

	outputs := make([]*wire.TxOut, 0, len(counts))
	for _, count := range counts {
		outputs = append(outputs, &wire.TxOut{
			Value: DefaultConnectorAmount * int64(count), PkScript: connectorScript,
		})
	}

	node, err := newNode(input, outputs, nil)
	if err != nil {
		return nil, err
	}

	txid := node.Root.UnsignedTx.TxHash()
	for i, count := range counts {
		child, err := BuildConnectorTree(
			wire.OutPoint{Hash: txid, Index: uint32(i)}, connectorScript, count,
		)
		if err != nil {
			return nil, err
		}
		node.Children[uint32(i)] = child
	}
	return node, nil
}

func newNode(
	input wire.OutPoint, outputs []*wire.TxOut, cosigners []*btcec.PublicKey,
) (*tree.TxTree, error) {
	outputs = append(outputs, tree.AnchorOutput())
	ptx, err := psbt.New(
		[]*wire.OutPoint{&input}, outputs, 3, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}
	if len(cosigners) > 0 {
		if err := txutils.AddCosignerKeys(ptx, 0, cosigners); err != nil {
			return nil, err
		}
	}
	return &tree.TxTree{Root: ptx, Children: make(map[uint32]*tree.TxTree)}, nil
}

func cosignersScript(cosigners []*btcec.PublicKey, sweepTapTreeRoot []byte) ([]byte, error) {
	aggregatedKey, err := tree.AggregateKeys(cosigners, sweepTapTreeRoot)
	if err != nil {
		return nil, err
	}
	return txutils.P2TRScript(aggregatedKey.FinalKey)
}
