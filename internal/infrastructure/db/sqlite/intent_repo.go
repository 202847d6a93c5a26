package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	arkerrors "github.com/arkade-os/batch-settler/pkg/errors"
)

const (
	selectIntentColumns = `
SELECT txid, id, wallet_id, state, valid_at, expires_at, created_at, updated_at,
	register_proof, register_message, delete_proof, delete_message, batch_id,
	commitment_txid, cancellation_reason, signer_descriptor, version
FROM intent`

	selectIntentVersion = `SELECT version FROM intent WHERE txid = ?`

	upsertIntent = `
INSERT INTO intent (
	txid, id, wallet_id, state, valid_at, expires_at, created_at, updated_at,
	register_proof, register_message, delete_proof, delete_message, batch_id,
	commitment_txid, cancellation_reason, signer_descriptor, version
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(txid) DO UPDATE SET
	id = EXCLUDED.id,
	state = EXCLUDED.state,
	updated_at = EXCLUDED.updated_at,
	batch_id = EXCLUDED.batch_id,
	commitment_txid = EXCLUDED.commitment_txid,
	cancellation_reason = EXCLUDED.cancellation_reason,
	version = EXCLUDED.version`

	insertIntentVtxo = `
INSERT INTO intent_vtxo (intent_txid, txid, vout, position) VALUES (?, ?, ?, ?)
ON CONFLICT DO NOTHING`

	insertIntentOutput = `
INSERT INTO intent_output (intent_txid, position, script, amount, onchain)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`

	selectIntentVtxos = `
SELECT txid, vout FROM intent_vtxo WHERE intent_txid = ? ORDER BY position`

	selectIntentOutputs = `
SELECT script, amount, onchain FROM intent_output WHERE intent_txid = ? ORDER BY position`
)

type intentRepository struct {
	db *sql.DB
}

func NewIntentRepository(config ...interface{}) (domain.IntentRepository, error) {
	db, err := dbFromConfig(config...)
	if err != nil {
		return nil, fmt.Errorf("cannot open intent repository: %s", err)
	}
	return &intentRepository{db}, nil
}

func (r *intentRepository) GetActiveIntents(ctx context.Context) ([]domain.Intent, error) {
	return r.GetIntentsByState(
		ctx, domain.IntentStateWaitingForBatch, domain.IntentStateBatchInProgress,
	)
}

func (r *intentRepository) GetIntent(ctx context.Context, txid string) (*domain.Intent, error) {
	intents, err := r.selectIntents(ctx, selectIntentColumns+` WHERE txid = ?`, txid)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, arkerrors.INTENT_NOT_FOUND.New("intent %s not found", txid).
			WithMetadata(arkerrors.IntentMetadata{IntentTxid: txid})
	}
	return &intents[0], nil
}

func (r *intentRepository) GetIntentsByState(
	ctx context.Context, states ...domain.IntentState,
) ([]domain.Intent, error) {
	if len(states) == 0 {
		return []domain.Intent{}, nil
	}

	placeholders := make([]string, 0, len(states))
	args := make([]interface{}, 0, len(states))
	for _, state := range states {
		placeholders = append(placeholders, "?")
		args = append(args, int64(state))
	}
	query := fmt.Sprintf(
		"%s WHERE state IN (%s) ORDER BY created_at", selectIntentColumns,
		strings.Join(placeholders, ", "),
	)
	return r.selectIntents(ctx, query, args...)
}

func (r *intentRepository) SaveIntent(ctx context.Context, intent domain.Intent) error {
	return execTx(ctx, r.db, func(tx *sql.Tx) error {
		var version uint
		err := tx.QueryRowContext(ctx, selectIntentVersion, intent.Txid).Scan(&version)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get intent version: %w", err)
		}
		if err == nil && version+1 != intent.Version {
			return arkerrors.INTENT_VERSION_CONFLICT.New(
				"intent %s has version %d, got %d", intent.Txid, version, intent.Version,
			).WithMetadata(arkerrors.IntentVersionMetadata{
				IntentTxid:      intent.Txid,
				ExpectedVersion: version + 1,
				GotVersion:      intent.Version,
			})
		}

		if _, err := tx.ExecContext(
			ctx, upsertIntent,
			intent.Txid, intent.Id, intent.WalletId, int64(intent.State),
			intent.ValidAt, intent.ExpiresAt, intent.CreatedAt, intent.UpdatedAt,
			intent.RegisterProof, intent.RegisterMessage,
			intent.DeleteProof, intent.DeleteMessage, intent.BatchId,
			intent.CommitmentTxid, intent.CancellationReason, intent.SignerDescriptor,
			int64(intent.Version),
		); err != nil {
			return fmt.Errorf("failed to upsert intent: %w", err)
		}

		for i, vtxo := range intent.Vtxos {
			if _, err := tx.ExecContext(
				ctx, insertIntentVtxo, intent.Txid, vtxo.Txid, int64(vtxo.VOut), i,
			); err != nil {
				return fmt.Errorf("failed to insert intent vtxo: %w", err)
			}
		}
		for i, output := range intent.Outputs {
			if _, err := tx.ExecContext(
				ctx, insertIntentOutput,
				intent.Txid, i, output.Script, int64(output.Amount), output.Onchain,
			); err != nil {
				return fmt.Errorf("failed to insert intent output: %w", err)
			}
		}
		return nil
	})
}

func (r *intentRepository) Close() {
	// nolint
	r.db.Close()
}

func (r *intentRepository) selectIntents(
	ctx context.Context, query string, args ...interface{},
) ([]domain.Intent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get intents: %w", err)
	}

	intents := make([]domain.Intent, 0)
	for rows.Next() {
		var (
			intent         domain.Intent
			state, version int64
		)
		if err := rows.Scan(
			&intent.Txid, &intent.Id, &intent.WalletId, &state,
			&intent.ValidAt, &intent.ExpiresAt, &intent.CreatedAt, &intent.UpdatedAt,
			&intent.RegisterProof, &intent.RegisterMessage,
			&intent.DeleteProof, &intent.DeleteMessage, &intent.BatchId,
			&intent.CommitmentTxid, &intent.CancellationReason, &intent.SignerDescriptor,
			&version,
		); err != nil {
			// nolint
			rows.Close()
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		intent.State = domain.IntentState(state)
		intent.Version = uint(version)
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		// nolint
		rows.Close()
		return nil, fmt.Errorf("failed to iterate intents: %w", err)
	}
	// nolint
	rows.Close()

	// The connection pool holds a single connection, so inputs and outputs
	// are loaded once the intent rows are released.
	for i := range intents {
		vtxos, err := r.selectVtxos(ctx, intents[i].Txid)
		if err != nil {
			return nil, err
		}
		outputs, err := r.selectOutputs(ctx, intents[i].Txid)
		if err != nil {
			return nil, err
		}
		intents[i].Vtxos = vtxos
		intents[i].Outputs = outputs
	}
	return intents, nil
}

func (r *intentRepository) selectVtxos(
	ctx context.Context, intentTxid string,
) ([]domain.Outpoint, error) {
	rows, err := r.db.QueryContext(ctx, selectIntentVtxos, intentTxid)
	if err != nil {
		return nil, fmt.Errorf("failed to get intent vtxos: %w", err)
	}
	// nolint
	defer rows.Close()

	vtxos := make([]domain.Outpoint, 0)
	for rows.Next() {
		var (
			outpoint domain.Outpoint
			vout     int64
		)
		if err := rows.Scan(&outpoint.Txid, &vout); err != nil {
			return nil, fmt.Errorf("failed to scan intent vtxo: %w", err)
		}
		outpoint.VOut = uint32(vout)
		vtxos = append(vtxos, outpoint)
	}
	return vtxos, rows.Err()
}

func (r *intentRepository) selectOutputs(
	ctx context.Context, intentTxid string,
) ([]domain.IntentOutput, error) {
	rows, err := r.db.QueryContext(ctx, selectIntentOutputs, intentTxid)
	if err != nil {
		return nil, fmt.Errorf("failed to get intent outputs: %w", err)
	}
	// nolint
	defer rows.Close()

	outputs := make([]domain.IntentOutput, 0)
	for rows.Next() {
		var (
			output domain.IntentOutput
			amount int64
		)
		if err := rows.Scan(&output.Script, &amount, &output.Onchain); err != nil {
			return nil, fmt.Errorf("failed to scan intent output: %w", err)
		}
		output.Amount = uint64(amount)
		outputs = append(outputs, output)
	}
	return outputs, rows.Err()
}
