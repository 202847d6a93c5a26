package txutils

import (
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
)

// IndexedCosignerPublicKey is a public key with its associated index.
// The index keeps track of the order of the keys declared in the psbt input.
type IndexedCosignerPublicKey struct {
	Index     int
	PublicKey *btcec.PublicKey
}

func ParseCosignersToECPubKeys(fields []IndexedCosignerPublicKey) []*btcec.PublicKey {
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Index < fields[j].Index
	})

	cosigners := make([]*btcec.PublicKey, 0, len(fields))
	for _, field := range fields {
		cosigners = append(cosigners, field.PublicKey)
	}
	return cosigners
}

// ParseCosignerKeysFromArkPsbt returns the cosigner keys of the given input
// ordered by their declared index.
func ParseCosignerKeysFromArkPsbt(ptx *psbt.Packet, inIndex int) ([]*btcec.PublicKey, error) {
	fields, err := GetArkPsbtFields(ptx, inIndex, CosignerPublicKeyField)
	if err != nil {
		return nil, err
	}
	return ParseCosignersToECPubKeys(fields), nil
}

// AddCosignerKeys declares the given keys as cosigners of the given input.
func AddCosignerKeys(ptx *psbt.Packet, inIndex int, keys []*btcec.PublicKey) error {
	for i, key := range keys {
		if err := SetArkPsbtField(ptx, inIndex, CosignerPublicKeyField, IndexedCosignerPublicKey{
			Index:     i,
			PublicKey: key,
		}); err != nil {
			return err
		}
	}
	return nil
}
