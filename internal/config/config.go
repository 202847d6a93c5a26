package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/application"
	"github.com/arkade-os/batch-settler/internal/core/ports"
	"github.com/arkade-os/batch-settler/internal/infrastructure/db"
	inmemorylivestore "github.com/arkade-os/batch-settler/internal/infrastructure/live-store/inmemory"
	redislivestore "github.com/arkade-os/batch-settler/internal/infrastructure/live-store/redis"
	timescheduler "github.com/arkade-os/batch-settler/internal/infrastructure/scheduler/gocron"
	"github.com/arkade-os/batch-settler/internal/infrastructure/signer/singlekey"
	restclient "github.com/arkade-os/batch-settler/internal/infrastructure/transport/rest"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	supportedEventDbs = supportedType{
		"watermill": {},
	}
	supportedDbs = supportedType{
		"badger": {},
		"sqlite": {},
	}
	supportedLiveStores = supportedType{
		"inmemory": {},
		"redis":    {},
	}
)

type Config struct {
	Datadir   string
	ServerUrl string
	LogLevel  int

	DbType        string
	EventDbType   string
	DbDir         string
	LiveStoreType string
	RedisUrl      string
	LockTimeout   time.Duration
	LockTTL       time.Duration

	SignerPrivateKey string

	RetryFailedBatches bool
	RefreshInterval    time.Duration
	ReconnectBackoff   time.Duration
	TriggerQueueSize   int

	repo      ports.RepoManager
	svc       application.Service
	transport ports.TransportClient
	signer    ports.SignerService
	locker    ports.IntentLocker
	scheduler ports.SchedulerService
}

func (c *Config) String() string {
	clone := *c
	if clone.SignerPrivateKey != "" {
		clone.SignerPrivateKey = "••••••"
	}
	json, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	DefaultDatadir          = btcutil.AppDataDir("batch-settler", false)
	defaultServerUrl        = "http://localhost:7070"
	defaultLogLevel         = 4
	defaultDbType           = "sqlite"
	defaultEventDbType      = "watermill"
	defaultLiveStoreType    = "inmemory"
	defaultLockTimeout      = 10 * time.Second
	defaultLockTTL          = time.Minute
	defaultRefreshInterval  = time.Minute
	defaultReconnectBackoff = 5 * time.Second
	defaultTriggerQueueSize = 64
)

// env returns a list of strings prefixed with `SETTLER_`.
func env(values ...string) []string {
	envs := make([]string, len(values))
	for i, value := range values {
		envs[i] = fmt.Sprintf("SETTLER_%s", value)
	}
	return envs
}

var (
	Datadir = &cli.StringFlag{
		Usage: "Directory to store data",
		Name:  "datadir", EnvVars: env("DATADIR"),
		Value: DefaultDatadir,
	}

	ServerUrl = &cli.StringFlag{
		Usage: "Url of the ark server to settle with",
		Name:  "server-url", EnvVars: env("SERVER_URL"),
		Value: defaultServerUrl,
	}

	LogLevel = &cli.IntFlag{
		Usage: "Logging level (0-6, where 6 is trace)",
		Name:  "log-level", EnvVars: env("LOG_LEVEL"),
		Value: defaultLogLevel,
	}

	DbType = &cli.StringFlag{
		Usage: "Database type (sqlite, badger)",
		Name:  "db-type", EnvVars: env("DB_TYPE"),
		Value: defaultDbType,
	}

	EventDbType = &cli.StringFlag{
		Usage: "Event bus type (watermill)",
		Name:  "event-db-type", EnvVars: env("EVENT_DB_TYPE"),
		Value: defaultEventDbType,
	}

	LiveStoreType = &cli.StringFlag{
		Usage: "Intent lock store type (inmemory, redis)",
		Name:  "live-store-type", EnvVars: env("LIVE_STORE_TYPE"),
		Value: defaultLiveStoreType,
	}

	RedisUrl = &cli.StringFlag{
		Usage: "Redis url if SETTLER_LIVE_STORE_TYPE is set to redis",
		Name:  "redis-url", EnvVars: env("REDIS_URL"),
	}

	LockTimeout = &cli.DurationFlag{
		Usage: "How long to wait for the lock of an intent",
		Name:  "lock-timeout", EnvVars: env("LOCK_TIMEOUT"),
		Value: defaultLockTimeout,
	}

	LockTTL = &cli.DurationFlag{
		Usage: "Expiration of the intent locks held in redis",
		Name:  "lock-ttl", EnvVars: env("LOCK_TTL"),
		Value: defaultLockTTL,
	}

	SignerPrivateKey = &cli.StringFlag{
		Usage: "Hex encoded private key of the local signer",
		Name:  "signer-prvkey", EnvVars: env("SIGNER_PRVKEY"),
	}

	RetryFailedBatches = &cli.BoolFlag{
		Usage: "Resubmit the intents of failed batches instead of failing them",
		Name:  "retry-failed-batches", EnvVars: env("RETRY_FAILED_BATCHES"),
	}

	RefreshInterval = &cli.DurationFlag{
		Usage: "Interval between reconciliations of the tracked intents",
		Name:  "refresh-interval", EnvVars: env("REFRESH_INTERVAL"),
		Value: defaultRefreshInterval,
	}

	ReconnectBackoff = &cli.DurationFlag{
		Usage: "Delay before reopening a failed event stream",
		Name:  "reconnect-backoff", EnvVars: env("RECONNECT_BACKOFF"),
		Value: defaultReconnectBackoff,
	}

	TriggerQueueSize = &cli.IntFlag{
		Usage: "Size of the queue of pending reconciliation triggers",
		Name:  "trigger-queue-size", EnvVars: env("TRIGGER_QUEUE_SIZE"),
		Value: defaultTriggerQueueSize,
	}
)

var Flags = []cli.Flag{
	Datadir,
	ServerUrl,
	LogLevel,
	DbType,
	EventDbType,
	LiveStoreType,
	RedisUrl,
	LockTimeout,
	LockTTL,
	SignerPrivateKey,
	RetryFailedBatches,
	RefreshInterval,
	ReconnectBackoff,
	TriggerQueueSize,
}

func LoadConfig(c *cli.Context) (*Config, error) {
	if err := initDatadir(c); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %s", err)
	}

	dbPath := filepath.Join(c.String(Datadir.Name), "db")
	if err := makeDirectoryIfNotExists(dbPath); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %s", err)
	}

	var redisUrl string
	if c.String(LiveStoreType.Name) == "redis" {
		redisUrl = c.String(RedisUrl.Name)
		if redisUrl == "" {
			return nil, fmt.Errorf("live store type set to 'redis' but redis url is missing")
		}
	}

	return &Config{
		Datadir:            c.String(Datadir.Name),
		ServerUrl:          c.String(ServerUrl.Name),
		LogLevel:           c.Int(LogLevel.Name),
		DbType:             c.String(DbType.Name),
		EventDbType:        c.String(EventDbType.Name),
		DbDir:              dbPath,
		LiveStoreType:      c.String(LiveStoreType.Name),
		RedisUrl:           redisUrl,
		LockTimeout:        c.Duration(LockTimeout.Name),
		LockTTL:            c.Duration(LockTTL.Name),
		SignerPrivateKey:   c.String(SignerPrivateKey.Name),
		RetryFailedBatches: c.Bool(RetryFailedBatches.Name),
		RefreshInterval:    c.Duration(RefreshInterval.Name),
		ReconnectBackoff:   c.Duration(ReconnectBackoff.Name),
		TriggerQueueSize:   c.Int(TriggerQueueSize.Name),
	}, nil
}

func initDatadir(c *cli.Context) error {
	datadir := c.String(Datadir.Name)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0o755)
	}
	return nil
}

func (c *Config) Validate() error {
	if !supportedEventDbs.supports(c.EventDbType) {
		return fmt.Errorf(
			"event db type not supported, please select one of: %s",
			supportedEventDbs,
		)
	}
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedLiveStores.supports(c.LiveStoreType) {
		return fmt.Errorf(
			"live store type not supported, please select one of: %s",
			supportedLiveStores,
		)
	}
	if c.ServerUrl == "" {
		return fmt.Errorf("missing server url")
	}
	if c.SignerPrivateKey == "" {
		return fmt.Errorf("missing signer private key")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive")
	}
	if c.LiveStoreType == "redis" && c.LockTTL <= c.LockTimeout {
		return fmt.Errorf("lock ttl must be greater than lock timeout")
	}
	if c.TriggerQueueSize < 0 {
		return fmt.Errorf("trigger queue size must not be negative")
	}

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.transportService(); err != nil {
		return err
	}
	if err := c.signerService(); err != nil {
		return err
	}
	if err := c.liveStoreService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	return nil
}

func (c *Config) AppService() (application.Service, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

// Close releases the services opened by Validate.
func (c *Config) Close() {
	if c.locker != nil {
		c.locker.Close()
	}
	if c.transport != nil {
		c.transport.Close()
	}
	if c.repo != nil {
		c.repo.Close()
	}
}

func (c *Config) repoManager() error {
	var eventStoreConfig []interface{}
	var dataStoreConfig []interface{}
	logger := log.New()

	switch c.EventDbType {
	case "watermill":
		eventStoreConfig = []interface{}{log.WithField("component", "events")}
	default:
		return fmt.Errorf("unknown event db type")
	}

	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, logger}
	case "sqlite":
		dataStoreConfig = []interface{}{c.DbDir}
	default:
		return fmt.Errorf("unknown db type")
	}

	svc, err := db.NewService(db.ServiceConfig{
		EventStoreType:   c.EventDbType,
		DataStoreType:    c.DbType,
		EventStoreConfig: eventStoreConfig,
		DataStoreConfig:  dataStoreConfig,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) transportService() error {
	client, err := restclient.NewClient(c.ServerUrl)
	if err != nil {
		return err
	}

	c.transport = client
	return nil
}

func (c *Config) signerService() error {
	signer, err := singlekey.NewSigner(c.SignerPrivateKey)
	if err != nil {
		return err
	}

	c.signer = signer
	return nil
}

func (c *Config) liveStoreService() error {
	var locker ports.IntentLocker
	switch c.LiveStoreType {
	case "inmemory":
		locker = inmemorylivestore.NewIntentLocker(c.LockTimeout)
	case "redis":
		redisOpts, err := redis.ParseURL(c.RedisUrl)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		locker = redislivestore.NewIntentLocker(rdb, c.LockTTL, c.LockTimeout)
	default:
		return fmt.Errorf("unknown live store type")
	}

	c.locker = locker
	return nil
}

func (c *Config) schedulerService() error {
	c.scheduler = timescheduler.NewScheduler()
	return nil
}

func (c *Config) appService() error {
	svc, err := application.NewService(
		application.Config{
			RetryFailedBatches: c.RetryFailedBatches,
			RefreshInterval:    c.RefreshInterval,
			ReconnectBackoff:   c.ReconnectBackoff,
			TriggerQueueSize:   c.TriggerQueueSize,
		},
		c.repo, c.transport, c.signer, c.locker, c.scheduler, nil,
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
