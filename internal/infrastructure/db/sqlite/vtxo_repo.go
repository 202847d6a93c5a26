package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	arkerrors "github.com/arkade-os/batch-settler/pkg/errors"
)

const (
	upsertVtxo = `
INSERT INTO vtxo (
	txid, vout, amount, script, commitment_txids, expires_at, created_at,
	swept, spent, preconfirmed, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(txid, vout) DO UPDATE SET
	commitment_txids = EXCLUDED.commitment_txids,
	expires_at = EXCLUDED.expires_at,
	swept = EXCLUDED.swept,
	spent = EXCLUDED.spent,
	preconfirmed = EXCLUDED.preconfirmed,
	updated_at = EXCLUDED.updated_at`

	selectVtxo = `
SELECT txid, vout, amount, script, commitment_txids, expires_at, created_at,
	swept, spent, preconfirmed
FROM vtxo WHERE txid = ? AND vout = ?`
)

type vtxoRepository struct {
	db *sql.DB
}

func NewVtxoRepository(config ...interface{}) (domain.VtxoRepository, error) {
	db, err := dbFromConfig(config...)
	if err != nil {
		return nil, fmt.Errorf("cannot open vtxo repository: %s", err)
	}
	return &vtxoRepository{db}, nil
}

func (r *vtxoRepository) AddVtxos(ctx context.Context, vtxos []domain.Vtxo) error {
	return execTx(ctx, r.db, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, vtxo := range vtxos {
			if _, err := tx.ExecContext(
				ctx, upsertVtxo,
				vtxo.Txid, int64(vtxo.VOut), int64(vtxo.Amount), vtxo.Script,
				strings.Join(vtxo.CommitmentTxids, ","), vtxo.ExpiresAt, vtxo.CreatedAt,
				vtxo.Swept, vtxo.Spent, vtxo.Preconfirmed, now,
			); err != nil {
				return fmt.Errorf("failed to upsert vtxo %s: %w", vtxo.Outpoint, err)
			}
		}
		return nil
	})
}

func (r *vtxoRepository) GetVtxos(
	ctx context.Context, outpoints []domain.Outpoint,
) ([]domain.Vtxo, error) {
	vtxos := make([]domain.Vtxo, 0, len(outpoints))
	for _, outpoint := range outpoints {
		vtxo, err := r.getVtxo(ctx, outpoint)
		if err != nil {
			return nil, err
		}
		if vtxo == nil {
			continue
		}
		vtxos = append(vtxos, *vtxo)
	}
	return vtxos, nil
}

func (r *vtxoRepository) GetVtxoByOutpoint(
	ctx context.Context, outpoint domain.Outpoint,
) (*domain.Vtxo, error) {
	vtxo, err := r.getVtxo(ctx, outpoint)
	if err != nil {
		return nil, err
	}
	if vtxo == nil {
		return nil, arkerrors.VTXO_NOT_FOUND.New("vtxo %s not found", outpoint).
			WithMetadata(arkerrors.VtxoMetadata{VtxoOutpoint: outpoint.String()})
	}
	return vtxo, nil
}

func (r *vtxoRepository) Close() {
	// nolint
	r.db.Close()
}

func (r *vtxoRepository) getVtxo(
	ctx context.Context, outpoint domain.Outpoint,
) (*domain.Vtxo, error) {
	var (
		vtxo            domain.Vtxo
		vout, amount    int64
		commitmentTxids string
	)
	err := r.db.QueryRowContext(ctx, selectVtxo, outpoint.Txid, int64(outpoint.VOut)).Scan(
		&vtxo.Txid, &vout, &amount, &vtxo.Script, &commitmentTxids,
		&vtxo.ExpiresAt, &vtxo.CreatedAt, &vtxo.Swept, &vtxo.Spent, &vtxo.Preconfirmed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get vtxo %s: %w", outpoint, err)
	}

	vtxo.VOut = uint32(vout)
	vtxo.Amount = uint64(amount)
	if len(commitmentTxids) > 0 {
		vtxo.CommitmentTxids = strings.Split(commitmentTxids, ",")
	}
	return &vtxo, nil
}
