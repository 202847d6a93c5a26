package tree

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ForfeitInput is an input of a forfeit tx together with the output it spends.
type ForfeitInput struct {
	Outpoint wire.OutPoint
	Prevout  *wire.TxOut
	// TapLeaf is the tapscript used to spend a vtxo input, nil for connectors
	TapLeaf *psbt.TaprootTapLeafScript
}

// BuildForfeitTx returns the unsigned forfeit tx sending the vtxo and
// connector amounts to the server script. The vtxo is spent by the first input.
func BuildForfeitTx(
	vtxo, connector ForfeitInput, serverScript []byte, txLocktime uint32,
) (*psbt.Packet, error) {
	if vtxo.Prevout == nil || connector.Prevout == nil {
		return nil, fmt.Errorf("missing forfeit input prevout")
	}
	if len(serverScript) == 0 {
		return nil, fmt.Errorf("missing server script")
	}

	outs := []*wire.TxOut{
		{
			Value:    vtxo.Prevout.Value + connector.Prevout.Value,
			PkScript: serverScript,
		},
		AnchorOutput(),
	}

	vtxoSequence := wire.MaxTxInSequenceNum
	if txLocktime != 0 {
		vtxoSequence = wire.MaxTxInSequenceNum - 1
	}

	partialTx, err := psbt.New(
		[]*wire.OutPoint{&vtxo.Outpoint, &connector.Outpoint},
		outs,
		3,
		txLocktime,
		[]uint32{vtxoSequence, wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}

	updater, err := psbt.NewUpdater(partialTx)
	if err != nil {
		return nil, err
	}

	for i, in := range []ForfeitInput{vtxo, connector} {
		if err := updater.AddInWitnessUtxo(in.Prevout, i); err != nil {
			return nil, err
		}
		if err := updater.AddInSighashType(txscript.SigHashDefault, i); err != nil {
			return nil, err
		}
	}

	if vtxo.TapLeaf != nil {
		partialTx.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{vtxo.TapLeaf}
	}

	return partialTx, nil
}
