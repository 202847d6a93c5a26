package tree

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"
)

var (
	ANCHOR_PKSCRIPT = []byte{
		0x51, 0x02, 0x4e, 0x73,
	}
	ANCHOR_VALUE = int64(0)
)

func AnchorOutput() *wire.TxOut {
	return &wire.TxOut{
		Value:    ANCHOR_VALUE,
		PkScript: ANCHOR_PKSCRIPT,
	}
}

func IsAnchor(out *wire.TxOut) bool {
	return out != nil && bytes.Equal(out.PkScript, ANCHOR_PKSCRIPT)
}
