package txutils

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
)

const ArkPsbtFieldKeyType = 222

var (
	// ArkFieldCosigner attach a musig2 cosigner public key to an unsigned tx input
	ArkFieldCosigner = []byte("cosigner")
)

var CosignerPublicKeyField ArkPsbtFieldCoder[IndexedCosignerPublicKey] = arkPsbtFieldCoderCosignerPublicKey{}

type ArkPsbtFieldCoder[T any] interface {
	Encode(T) (*psbt.Unknown, error)
	Decode(*psbt.Unknown) (*T, error) // nil means not found
}

// SetArkPsbtField sets an ark psbt field on the given psbt at the given input index
func SetArkPsbtField[T any](
	ptx *psbt.Packet, inputIndex int, coder ArkPsbtFieldCoder[T], value T,
) error {
	if len(ptx.Inputs) <= inputIndex {
		return fmt.Errorf(
			"input index out of bounds %d, len(inputs)=%d", inputIndex, len(ptx.Inputs),
		)
	}

	arkField, err := coder.Encode(value)
	if err != nil {
		return err
	}
	ptx.Inputs[inputIndex].Unknowns = append(ptx.Inputs[inputIndex].Unknowns, arkField)
	return nil
}

// GetArkPsbtFields gets all ark psbt fields of the given type from the given psbt at the given input index
func GetArkPsbtFields[T any](
	ptx *psbt.Packet, inputIndex int, coder ArkPsbtFieldCoder[T],
) ([]T, error) {
	if len(ptx.Inputs) <= inputIndex {
		return nil, fmt.Errorf(
			"input index out of bounds %d, len(inputs)=%d", inputIndex, len(ptx.Inputs),
		)
	}

	fieldsFound := make([]T, 0)
	for _, unknown := range ptx.Inputs[inputIndex].Unknowns {
		value, err := coder.Decode(unknown)
		if err != nil {
			return nil, err
		}
		if value == nil {
			continue
		}
		fieldsFound = append(fieldsFound, *value)
	}

	return fieldsFound, nil
}

type arkPsbtFieldCoderCosignerPublicKey struct{}

func (c arkPsbtFieldCoderCosignerPublicKey) Encode(
	indexedPubKey IndexedCosignerPublicKey,
) (*psbt.Unknown, error) {
	if indexedPubKey.PublicKey == nil {
		return nil, fmt.Errorf("missing cosigner public key")
	}

	indexBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(indexBytes, uint32(indexedPubKey.Index))

	return &psbt.Unknown{
		Key:   append(makeArkPsbtKey(ArkFieldCosigner), indexBytes...),
		Value: indexedPubKey.PublicKey.SerializeCompressed(),
	}, nil
}

func (c arkPsbtFieldCoderCosignerPublicKey) Decode(
	unknown *psbt.Unknown,
) (*IndexedCosignerPublicKey, error) {
	if !containsArkPsbtKey(unknown, ArkFieldCosigner) {
		return nil, nil
	}

	prefixLen := len(makeArkPsbtKey(ArkFieldCosigner))
	if len(unknown.Key) != prefixLen+4 {
		return nil, fmt.Errorf("invalid cosigner field key length %d", len(unknown.Key))
	}

	// last 4 bytes are the index
	index := binary.BigEndian.Uint32(unknown.Key[prefixLen:])

	publicKey, err := btcec.ParsePubKey(unknown.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid cosigner public key: %w", err)
	}

	return &IndexedCosignerPublicKey{
		Index:     int(index),
		PublicKey: publicKey,
	}, nil
}

func makeArkPsbtKey(keyData []byte) []byte {
	return append([]byte{ArkPsbtFieldKeyType}, keyData...)
}

func containsArkPsbtKey(unknownField *psbt.Unknown, keyFieldName []byte) bool {
	if len(unknownField.Key) == 0 || unknownField.Key[0] != ArkPsbtFieldKeyType {
		return false
	}

	return bytes.HasPrefix(unknownField.Key[1:], keyFieldName)
}
