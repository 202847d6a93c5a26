package domain

import "context"

type VtxoRepository interface {
	AddVtxos(ctx context.Context, vtxos []Vtxo) error
	GetVtxos(ctx context.Context, outpoints []Outpoint) ([]Vtxo, error)
	GetVtxoByOutpoint(ctx context.Context, outpoint Outpoint) (*Vtxo, error)
	Close()
}
