package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	arkerrors "github.com/arkade-os/batch-settler/pkg/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const intentStoreDir = "intents"

type intentRepository struct {
	store *badgerhold.Store
}

func NewIntentRepository(config ...interface{}) (domain.IntentRepository, error) {
	baseDir, logger, err := parseConfig(config...)
	if err != nil {
		return nil, err
	}

	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, intentStoreDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent store: %s", err)
	}

	return &intentRepository{store}, nil
}

func (r *intentRepository) GetActiveIntents(ctx context.Context) ([]domain.Intent, error) {
	return r.GetIntentsByState(
		ctx, domain.IntentStateWaitingForBatch, domain.IntentStateBatchInProgress,
	)
}

func (r *intentRepository) GetIntent(_ context.Context, txid string) (*domain.Intent, error) {
	var intent domain.Intent
	if err := r.store.Get(txid, &intent); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, arkerrors.INTENT_NOT_FOUND.New("intent %s not found", txid).
				WithMetadata(arkerrors.IntentMetadata{IntentTxid: txid})
		}
		return nil, err
	}
	return &intent, nil
}

func (r *intentRepository) GetIntentsByState(
	_ context.Context, states ...domain.IntentState,
) ([]domain.Intent, error) {
	if len(states) == 0 {
		return []domain.Intent{}, nil
	}

	values := make([]interface{}, 0, len(states))
	for _, state := range states {
		values = append(values, state)
	}
	query := badgerhold.Where("State").In(values...).SortBy("CreatedAt")

	intents := make([]domain.Intent, 0)
	if err := r.store.Find(&intents, query); err != nil {
		return nil, err
	}
	return intents, nil
}

func (r *intentRepository) SaveIntent(_ context.Context, intent domain.Intent) error {
	return withRetry(func() error {
		return r.store.Badger().Update(func(tx *badger.Txn) error {
			var stored domain.Intent
			err := r.store.TxGet(tx, intent.Txid, &stored)
			if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
				return err
			}
			if err == nil && stored.Version+1 != intent.Version {
				return arkerrors.INTENT_VERSION_CONFLICT.New(
					"intent %s has version %d, got %d", intent.Txid, stored.Version, intent.Version,
				).WithMetadata(arkerrors.IntentVersionMetadata{
					IntentTxid:      intent.Txid,
					ExpectedVersion: stored.Version + 1,
					GotVersion:      intent.Version,
				})
			}
			return r.store.TxUpsert(tx, intent.Txid, intent)
		})
	})
}

func (r *intentRepository) Close() {
	// nolint
	r.store.Close()
}
