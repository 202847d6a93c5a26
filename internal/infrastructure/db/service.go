package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/internal/core/ports"
	badgerdb "github.com/arkade-os/batch-settler/internal/infrastructure/db/badger"
	sqlitedb "github.com/arkade-os/batch-settler/internal/infrastructure/db/sqlite"
	watermilldb "github.com/arkade-os/batch-settler/internal/infrastructure/db/watermill"
	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed sqlite/migration/*
var migrations embed.FS

var (
	eventStoreTypes = map[string]func(...interface{}) (domain.EventRepository, error){
		"watermill": watermilldb.NewEventRepository,
	}
	intentStoreTypes = map[string]func(...interface{}) (domain.IntentRepository, error){
		"badger": badgerdb.NewIntentRepository,
		"sqlite": sqlitedb.NewIntentRepository,
	}
	vtxoStoreTypes = map[string]func(...interface{}) (domain.VtxoRepository, error){
		"badger": badgerdb.NewVtxoRepository,
		"sqlite": sqlitedb.NewVtxoRepository,
	}
	contractStoreTypes = map[string]func(...interface{}) (domain.ContractRepository, error){
		"badger": badgerdb.NewContractRepository,
		"sqlite": sqlitedb.NewContractRepository,
	}
)

const (
	sqliteDbFile = "sqlite.db"
)

type ServiceConfig struct {
	EventStoreType string
	DataStoreType  string

	EventStoreConfig []interface{}
	DataStoreConfig  []interface{}
}

type service struct {
	eventStore    domain.EventRepository
	intentStore   domain.IntentRepository
	vtxoStore     domain.VtxoRepository
	contractStore domain.ContractRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	eventStoreFactory, ok := eventStoreTypes[config.EventStoreType]
	if !ok {
		return nil, fmt.Errorf("event store type not supported")
	}
	intentStoreFactory, ok := intentStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("intent store type not supported")
	}
	vtxoStoreFactory, ok := vtxoStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("vtxo store type not supported")
	}
	contractStoreFactory, ok := contractStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}

	var intentStore domain.IntentRepository
	var vtxoStore domain.VtxoRepository
	var contractStore domain.ContractRepository

	eventStore, err := eventStoreFactory(config.EventStoreConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %s", err)
	}

	switch config.DataStoreType {
	case "badger":
		intentStore, err = intentStoreFactory(config.DataStoreConfig...)
		if err != nil {
			return nil, fmt.Errorf("failed to open intent store: %s", err)
		}
		vtxoStore, err = vtxoStoreFactory(config.DataStoreConfig...)
		if err != nil {
			return nil, fmt.Errorf("failed to open vtxo store: %s", err)
		}
		contractStore, err = contractStoreFactory(config.DataStoreConfig...)
		if err != nil {
			return nil, fmt.Errorf("failed to open contract store: %s", err)
		}

	case "sqlite":
		if len(config.DataStoreConfig) != 1 {
			return nil, fmt.Errorf("invalid data store config")
		}

		baseDir, ok := config.DataStoreConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}

		dbFile := filepath.Join(baseDir, sqliteDbFile)
		db, err := sqlitedb.OpenDb(dbFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open db: %s", err)
		}

		driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to init driver: %s", err)
		}

		source, err := iofs.New(migrations, "sqlite/migration")
		if err != nil {
			return nil, fmt.Errorf("failed to embed migrations: %s", err)
		}

		m, err := migrate.NewWithInstance("iofs", source, "settlerdb", driver)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration instance: %s", err)
		}

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("failed to run migrations: %s", err)
		}

		intentStore, err = intentStoreFactory(db)
		if err != nil {
			return nil, fmt.Errorf("failed to open intent store: %s", err)
		}
		vtxoStore, err = vtxoStoreFactory(db)
		if err != nil {
			return nil, fmt.Errorf("failed to open vtxo store: %s", err)
		}
		contractStore, err = contractStoreFactory(db)
		if err != nil {
			return nil, fmt.Errorf("failed to open contract store: %s", err)
		}
	}

	return &service{
		eventStore:    eventStore,
		intentStore:   &intentRepository{intentStore, eventStore},
		vtxoStore:     vtxoStore,
		contractStore: contractStore,
	}, nil
}

func (s *service) Events() domain.EventRepository {
	return s.eventStore
}

func (s *service) Intents() domain.IntentRepository {
	return s.intentStore
}

func (s *service) Vtxos() domain.VtxoRepository {
	return s.vtxoStore
}

func (s *service) Contracts() domain.ContractRepository {
	return s.contractStore
}

func (s *service) Close() {
	s.eventStore.Close()
	s.intentStore.Close()
	s.vtxoStore.Close()
	s.contractStore.Close()
}

// intentRepository publishes an IntentUpdated event for every intent
// persisted by the underlying store.
type intentRepository struct {
	domain.IntentRepository
	events domain.EventRepository
}

func (r *intentRepository) SaveIntent(ctx context.Context, intent domain.Intent) error {
	if err := r.IntentRepository.SaveIntent(ctx, intent); err != nil {
		return err
	}

	event := domain.NewIntentUpdated(intent)
	if err := r.events.Save(
		ctx, domain.IntentTopic, intent.Txid, []domain.Event{event},
	); err != nil {
		log.WithError(err).Warnf("failed to publish update of intent %s", intent.Txid)
	}
	return nil
}
