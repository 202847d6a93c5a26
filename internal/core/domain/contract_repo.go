package domain

import "context"

type ContractRepository interface {
	AddContract(ctx context.Context, contract Contract) error
	GetContractByScript(ctx context.Context, script string) (*Contract, error)
	Close()
}
