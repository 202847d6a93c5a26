package ports

import "github.com/arkade-os/batch-settler/internal/core/domain"

type RepoManager interface {
	Events() domain.EventRepository
	Intents() domain.IntentRepository
	Vtxos() domain.VtxoRepository
	Contracts() domain.ContractRepository
	Close()
}
