package domain

// Coin is a vtxo together with what is needed to spend it in a forfeit tx.
type Coin struct {
	Vtxo     Vtxo
	Contract Contract
	// ForfeitLeafScript is the tapscript cosigned with the server
	ForfeitLeafScript []byte
	ControlBlock      []byte
}

func (c Coin) RequiresForfeit() bool {
	return c.Vtxo.RequiresForfeit()
}
