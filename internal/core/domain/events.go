package domain

import "context"

const (
	IntentTopic = "intent"
	BatchTopic  = "batch"
)

type EventType int

const (
	EventTypeUndefined EventType = iota
	EventTypeIntentUpdated
	EventTypeBatchCompleted
)

type Event interface {
	GetTopic() string
	GetType() EventType
}

type EventRepository interface {
	Save(ctx context.Context, topic, id string, events []Event) error
	RegisterEventsHandler(topic string, handler func(events []Event))
	ClearRegisteredHandlers(topic ...string)
	Close()
}

// IntentUpdated is raised every time an intent is persisted.
type IntentUpdated struct {
	Id     string
	Type   EventType
	Intent Intent
}

func NewIntentUpdated(intent Intent) IntentUpdated {
	return IntentUpdated{
		Id:     intent.Txid,
		Type:   EventTypeIntentUpdated,
		Intent: intent,
	}
}

func (e IntentUpdated) GetTopic() string   { return IntentTopic }
func (e IntentUpdated) GetType() EventType { return EventTypeIntentUpdated }

type BatchOutcome uint8

const (
	BatchOutcomeUndefined BatchOutcome = iota
	BatchOutcomeSucceeded
	BatchOutcomeFailed
)

func (o BatchOutcome) String() string {
	switch o {
	case BatchOutcomeSucceeded:
		return "Succeeded"
	case BatchOutcomeFailed:
		return "Failed"
	default:
		return "Undefined"
	}
}

// BatchCompleted is raised once an intent's batch attempt is over, either way.
type BatchCompleted struct {
	Id             string
	Type           EventType
	Intent         Intent
	CommitmentTxid string
	Outcome        BatchOutcome
	FailureReason  string
}

func NewBatchCompleted(
	intent Intent, commitmentTxid string, outcome BatchOutcome, failureReason string,
) BatchCompleted {
	return BatchCompleted{
		Id:             intent.Txid,
		Type:           EventTypeBatchCompleted,
		Intent:         intent,
		CommitmentTxid: commitmentTxid,
		Outcome:        outcome,
		FailureReason:  failureReason,
	}
}

func (e BatchCompleted) GetTopic() string   { return BatchTopic }
func (e BatchCompleted) GetType() EventType { return EventTypeBatchCompleted }
