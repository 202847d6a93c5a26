package application

import (
	"context"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/pkg/errors"
)

const (
	defaultReconnectBackoff = 5 * time.Second
	defaultRefreshInterval  = time.Minute
	defaultTriggerQueueSize = 64
)

type Service interface {
	Start() errors.Error
	Stop()
	// AddIntent stores a new intent waiting to be submitted
	AddIntent(ctx context.Context, intent domain.Intent) errors.Error
	// SubmitIntent registers a stored intent with the server
	SubmitIntent(ctx context.Context, txid string) errors.Error
	CancelIntent(ctx context.Context, txid, reason string) errors.Error
	GetIntent(ctx context.Context, txid string) (*domain.Intent, errors.Error)
}

type Config struct {
	// RetryFailedBatches resets to WaitingToSubmit the intents of a batch the
	// server reports as failed instead of marking them as failed
	RetryFailedBatches bool
	RefreshInterval    time.Duration
	ReconnectBackoff   time.Duration
	TriggerQueueSize   int
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = defaultReconnectBackoff
	}
	if c.TriggerQueueSize <= 0 {
		c.TriggerQueueSize = defaultTriggerQueueSize
	}
	return c
}
