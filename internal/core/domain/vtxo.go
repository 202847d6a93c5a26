package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

type Outpoint struct {
	Txid string
	VOut uint32
}

func (k *Outpoint) FromString(s string) error {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid outpoint string: %s", s)
	}
	k.Txid = parts[0]
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid vout string: %s", parts[1])
	}
	k.VOut = uint32(vout)
	return nil
}

func (k Outpoint) String() string {
	return fmt.Sprintf("%s:%d", k.Txid, k.VOut)
}

func (k Outpoint) ToWire() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(k.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %w", k.Txid, err)
	}
	return wire.NewOutPoint(hash, k.VOut), nil
}

// Vtxo is a virtual output owned by one of the local wallets.
type Vtxo struct {
	Outpoint
	Amount uint64
	// Script is the hex encoded taproot output script
	Script          string
	CommitmentTxids []string
	ExpiresAt       int64
	CreatedAt       int64
	Swept           bool
	Spent           bool
	Preconfirmed    bool
}

func (v Vtxo) String() string {
	// nolint
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// RequiresForfeit returns whether the vtxo must be forfeited to join a batch.
// Swept vtxos are already owned by the server.
func (v Vtxo) RequiresForfeit() bool {
	return !v.Swept
}

func (v Vtxo) OutputScript() ([]byte, error) {
	return hex.DecodeString(v.Script)
}

func (v Vtxo) TxOut() (*wire.TxOut, error) {
	script, err := v.OutputScript()
	if err != nil {
		return nil, err
	}
	return &wire.TxOut{Value: int64(v.Amount), PkScript: script}, nil
}
