package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/arkade-os/batch-settler/internal/core/domain"
)

const (
	insertContract = `
INSERT INTO contract (script, wallet_id, signer_descriptor, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(script) DO NOTHING`

	insertContractTapscript = `
INSERT INTO contract_tapscript (contract_script, position, tapscript) VALUES (?, ?, ?)
ON CONFLICT DO NOTHING`

	selectContract = `
SELECT script, wallet_id, signer_descriptor, created_at FROM contract WHERE script = ?`

	selectContractTapscripts = `
SELECT tapscript FROM contract_tapscript WHERE contract_script = ? ORDER BY position`
)

type contractRepository struct {
	db *sql.DB
}

func NewContractRepository(config ...interface{}) (domain.ContractRepository, error) {
	db, err := dbFromConfig(config...)
	if err != nil {
		return nil, fmt.Errorf("cannot open contract repository: %s", err)
	}
	return &contractRepository{db}, nil
}

func (r *contractRepository) AddContract(ctx context.Context, contract domain.Contract) error {
	return execTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx, insertContract,
			contract.Script, contract.WalletId, contract.SignerDescriptor, contract.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert contract: %w", err)
		}
		// nolint
		if count, _ := res.RowsAffected(); count == 0 {
			return nil
		}

		for i, tapscript := range contract.Tapscripts {
			if _, err := tx.ExecContext(
				ctx, insertContractTapscript, contract.Script, i, tapscript,
			); err != nil {
				return fmt.Errorf("failed to insert contract tapscript: %w", err)
			}
		}
		return nil
	})
}

func (r *contractRepository) GetContractByScript(
	ctx context.Context, script string,
) (*domain.Contract, error) {
	var contract domain.Contract
	if err := r.db.QueryRowContext(ctx, selectContract, script).Scan(
		&contract.Script, &contract.WalletId, &contract.SignerDescriptor, &contract.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contract with script %s not found", script)
		}
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, selectContractTapscripts, script)
	if err != nil {
		return nil, fmt.Errorf("failed to get contract tapscripts: %w", err)
	}
	// nolint
	defer rows.Close()

	contract.Tapscripts = make([]string, 0)
	for rows.Next() {
		var tapscript string
		if err := rows.Scan(&tapscript); err != nil {
			return nil, fmt.Errorf("failed to scan contract tapscript: %w", err)
		}
		contract.Tapscripts = append(contract.Tapscripts, tapscript)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &contract, nil
}

func (r *contractRepository) Close() {
	// nolint
	r.db.Close()
}
