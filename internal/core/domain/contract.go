package domain

import (
	"encoding/hex"
	"fmt"
)

// Contract describes how the output script of a vtxo is built. The tapscripts
// are the leaves of the taproot tree whose output key is the one of Script.
type Contract struct {
	// Script is the hex encoded output script
	Script           string
	WalletId         string
	SignerDescriptor string
	// Tapscripts are hex encoded
	Tapscripts []string
	CreatedAt  int64
}

func (c Contract) DecodeTapscripts() ([][]byte, error) {
	scripts := make([][]byte, 0, len(c.Tapscripts))
	for _, tapscript := range c.Tapscripts {
		buf, err := hex.DecodeString(tapscript)
		if err != nil {
			return nil, fmt.Errorf("invalid tapscript %s: %w", tapscript, err)
		}
		scripts = append(scripts, buf)
	}
	return scripts, nil
}
