package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const contractStoreDir = "contracts"

type contractRepository struct {
	store *badgerhold.Store
}

func NewContractRepository(config ...interface{}) (domain.ContractRepository, error) {
	baseDir, logger, err := parseConfig(config...)
	if err != nil {
		return nil, err
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, contractStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open contract store: %s", err)
	}

	return &contractRepository{store}, nil
}

func (r *contractRepository) AddContract(_ context.Context, contract domain.Contract) error {
	if err := withRetry(func() error {
		return r.store.Insert(contract.Script, contract)
	}); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return nil
		}
		return err
	}
	return nil
}

func (r *contractRepository) GetContractByScript(
	_ context.Context, script string,
) (*domain.Contract, error) {
	var contract domain.Contract
	if err := r.store.Get(script, &contract); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("contract with script %s not found", script)
		}
		return nil, err
	}
	return &contract, nil
}

func (r *contractRepository) Close() {
	// nolint
	r.store.Close()
}
