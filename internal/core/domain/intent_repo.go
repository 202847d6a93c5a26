package domain

import "context"

type IntentRepository interface {
	// GetActiveIntents returns the intents waiting for or taking part in a batch
	GetActiveIntents(ctx context.Context) ([]Intent, error)
	GetIntent(ctx context.Context, txid string) (*Intent, error)
	GetIntentsByState(ctx context.Context, states ...IntentState) ([]Intent, error)
	// SaveIntent inserts a new intent or updates an existing one. An update is
	// accepted only if the stored version is the one preceding intent.Version.
	SaveIntent(ctx context.Context, intent Intent) error
	Close()
}
