package script

import (
	"bytes"
	"encoding/hex"
	"fmt"

	arklib "github.com/arkade-os/batch-settler/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

// unspendableKeyHex is the NUMS point H from BIP-341, used as internal key of
// script-only taproot outputs.
const unspendableKeyHex = "0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

func UnspendableKey() *btcec.PublicKey {
	key, _ := hex.DecodeString(unspendableKeyHex)
	// nolint
	pubkey, _ := btcec.ParsePubKey(key)
	return pubkey
}

type Closure interface {
	Script() ([]byte, error)
	Decode(script []byte) (bool, error)
}

// MultisigClosure is a n-of-n checksig chain:
// <pubkey_1> OP_CHECKSIGVERIFY ... <pubkey_n> OP_CHECKSIG
type MultisigClosure struct {
	PubKeys []*btcec.PublicKey
}

// CSVMultisigClosure is a MultisigClosure locked by a relative timelock:
// <sequence> OP_CHECKSEQUENCEVERIFY OP_DROP <multisig closure>
type CSVMultisigClosure struct {
	MultisigClosure
	Locktime arklib.RelativeLocktime
}

func DecodeClosure(script []byte) (Closure, error) {
	types := []Closure{
		&CSVMultisigClosure{},
		&MultisigClosure{},
	}

	for _, closure := range types {
		if valid, err := closure.Decode(script); err == nil && valid {
			return closure, nil
		}
	}

	return nil, fmt.Errorf("invalid closure script %x", script)
}

func (f *MultisigClosure) Script() ([]byte, error) {
	if len(f.PubKeys) == 0 {
		return nil, fmt.Errorf("missing pubkeys")
	}

	builder := txscript.NewScriptBuilder()
	for i, pubkey := range f.PubKeys {
		builder.AddData(schnorr.SerializePubKey(pubkey))
		if i == len(f.PubKeys)-1 {
			builder.AddOp(txscript.OP_CHECKSIG)
			continue
		}
		builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	}

	return builder.Script()
}

func (f *MultisigClosure) Decode(script []byte) (bool, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	pubkeys := make([]*btcec.PublicKey, 0)
	for tokenizer.Next() {
		if len(tokenizer.Data()) != schnorr.PubKeyBytesLen {
			return false, nil
		}
		pubkey, err := schnorr.ParsePubKey(tokenizer.Data())
		if err != nil {
			return false, err
		}
		pubkeys = append(pubkeys, pubkey)

		if !tokenizer.Next() {
			return false, nil
		}
		op := tokenizer.Opcode()
		if op == txscript.OP_CHECKSIG {
			break
		}
		if op != txscript.OP_CHECKSIGVERIFY {
			return false, nil
		}
	}
	if tokenizer.Err() != nil {
		return false, tokenizer.Err()
	}
	if len(pubkeys) == 0 {
		return false, nil
	}

	rebuilt, err := (&MultisigClosure{PubKeys: pubkeys}).Script()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(rebuilt, script) {
		return false, nil
	}

	f.PubKeys = pubkeys
	return true, nil
}

func (f *CSVMultisigClosure) Script() ([]byte, error) {
	sequence, err := arklib.BIP68Sequence(f.Locktime)
	if err != nil {
		return nil, err
	}

	csvScript, err := txscript.NewScriptBuilder().
		AddInt64(int64(sequence)).
		AddOps([]byte{txscript.OP_CHECKSEQUENCEVERIFY, txscript.OP_DROP}).
		Script()
	if err != nil {
		return nil, err
	}

	multisigScript, err := f.MultisigClosure.Script()
	if err != nil {
		return nil, err
	}

	return append(csvScript, multisigScript...), nil
}

func (f *CSVMultisigClosure) Decode(script []byte) (bool, error) {
	csvIndex := bytes.Index(
		script, []byte{txscript.OP_CHECKSEQUENCEVERIFY, txscript.OP_DROP},
	)
	if csvIndex <= 0 {
		return false, nil
	}

	multisig := &MultisigClosure{}
	valid, err := multisig.Decode(script[csvIndex+2:])
	if err != nil || !valid {
		return false, err
	}

	tokenizer := txscript.MakeScriptTokenizer(0, script[:csvIndex])
	if !tokenizer.Next() {
		return false, nil
	}
	var sequence uint32
	if op := tokenizer.Opcode(); op >= txscript.OP_1 && op <= txscript.OP_16 {
		// small integers are pushed as OP_1..OP_16
		sequence = uint32(op - (txscript.OP_1 - 1))
	} else {
		num, err := txscript.MakeScriptNum(tokenizer.Data(), true, 5)
		if err != nil {
			return false, err
		}
		sequence = uint32(num)
	}

	locktime := arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: sequence}
	if sequence&arklib.SEQUENCE_LOCKTIME_TYPE_FLAG != 0 {
		locktime = arklib.RelativeLocktime{
			Type:  arklib.LocktimeTypeSecond,
			Value: (sequence & arklib.SEQUENCE_LOCKTIME_MASK) << arklib.SEQUENCE_LOCKTIME_GRANULARITY,
		}
	}

	closure := &CSVMultisigClosure{MultisigClosure: *multisig, Locktime: locktime}
	rebuilt, err := closure.Script()
	if err != nil {
		return false, err
	}
	if !bytes.Equal(rebuilt, script) {
		return false, nil
	}

	*f = *closure
	return true, nil
}

// TapLeafHash returns the hash of the closure's tapscript leaf.
func TapLeafHash(closure Closure) ([]byte, error) {
	script, err := closure.Script()
	if err != nil {
		return nil, err
	}
	leafHash := txscript.NewBaseTapLeaf(script).TapHash()
	return leafHash[:], nil
}
