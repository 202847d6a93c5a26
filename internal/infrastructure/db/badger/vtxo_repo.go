package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	arkerrors "github.com/arkade-os/batch-settler/pkg/errors"
	"github.com/timshannon/badgerhold/v4"
)

const vtxoStoreDir = "vtxos"

type vtxoRepository struct {
	store *badgerhold.Store
}

type vtxoDTO struct {
	domain.Vtxo
	UpdatedAt int64
}

func NewVtxoRepository(config ...interface{}) (domain.VtxoRepository, error) {
	baseDir, logger, err := parseConfig(config...)
	if err != nil {
		return nil, err
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, vtxoStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vtxo store: %s", err)
	}

	return &vtxoRepository{store}, nil
}

// AddVtxos inserts new vtxos and overwrites the known ones with the given
// version, which is the most up to date.
func (r *vtxoRepository) AddVtxos(_ context.Context, vtxos []domain.Vtxo) error {
	for _, vtxo := range vtxos {
		dto := vtxoDTO{
			Vtxo:      vtxo,
			UpdatedAt: time.Now().UnixMilli(),
		}
		outpoint := vtxo.Outpoint.String()
		if err := withRetry(func() error {
			return r.store.Upsert(outpoint, dto)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *vtxoRepository) GetVtxos(
	ctx context.Context, outpoints []domain.Outpoint,
) ([]domain.Vtxo, error) {
	vtxos := make([]domain.Vtxo, 0, len(outpoints))
	for _, outpoint := range outpoints {
		vtxo, err := r.getVtxo(outpoint)
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
	_ context.Context, outpoint domain.Outpoint,
) (*domain.Vtxo, error) {
	vtxo, err := r.getVtxo(outpoint)
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
	r.store.Close()
}

func (r *vtxoRepository) getVtxo(outpoint domain.Outpoint) (*domain.Vtxo, error) {
	var dto vtxoDTO
	if err := r.store.Get(outpoint.String(), &dto); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dto.Vtxo, nil
}
