package ports

import "github.com/arkade-os/batch-settler/internal/core/domain"

type CoinResolver interface {
	GetCoin(contract domain.Contract, vtxo domain.Vtxo) (*domain.Coin, error)
}
