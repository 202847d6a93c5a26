package watermilldb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/arkade-os/batch-settler/internal/core/domain"
	log "github.com/sirupsen/logrus"
)

const metadataEventId = "event_id"

type subscriber struct {
	topic   string
	handler func(events []domain.Event)
}

// eventRepository publishes the domain events on an in-process pubsub. Every
// topic is consumed by one listener that runs the registered handlers in
// order, and Save returns only once the handlers are done with the events.
type eventRepository struct {
	pubsub *gochannel.GoChannel
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	subscribers    map[string][]subscriber // topic -> subscribers
	listening      map[string]struct{}
	subscriberLock *sync.Mutex
}

func NewEventRepository(config ...interface{}) (domain.EventRepository, error) {
	if len(config) > 1 {
		return nil, fmt.Errorf("invalid config")
	}
	var logger watermill.LoggerAdapter = watermill.NopLogger{}
	if len(config) == 1 && config[0] != nil {
		entry, ok := config[0].(*log.Entry)
		if !ok {
			return nil, fmt.Errorf("cannot open event repository: invalid logger")
		}
		logger = newLogrusAdapter(entry)
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &eventRepository{
		pubsub:         pubsub,
		ctx:            ctx,
		cancel:         cancel,
		wg:             &sync.WaitGroup{},
		subscribers:    make(map[string][]subscriber),
		listening:      make(map[string]struct{}),
		subscriberLock: &sync.Mutex{},
	}, nil
}

func (e *eventRepository) ClearRegisteredHandlers(topics ...string) {
	e.subscriberLock.Lock()
	defer e.subscriberLock.Unlock()

	if len(topics) == 0 {
		e.subscribers = make(map[string][]subscriber)
		return
	}

	for _, topic := range topics {
		delete(e.subscribers, topic)
	}
}

func (e *eventRepository) Close() {
	e.cancel()
	if err := e.pubsub.Close(); err != nil {
		log.WithError(err).Warn("failed to close event pubsub")
	}
	e.wg.Wait()
}

func (e *eventRepository) RegisterEventsHandler(
	topic string, handler func(events []domain.Event),
) {
	e.subscriberLock.Lock()
	defer e.subscriberLock.Unlock()

	if _, ok := e.subscribers[topic]; !ok {
		e.subscribers[topic] = make([]subscriber, 0)
	}

	e.subscribers[topic] = append(e.subscribers[topic], subscriber{
		topic:   topic,
		handler: handler,
	})

	if _, ok := e.listening[topic]; ok {
		return
	}
	messages, err := e.pubsub.Subscribe(e.ctx, topic)
	if err != nil {
		log.WithError(err).Errorf("failed to subscribe to topic %s", topic)
		return
	}
	e.listening[topic] = struct{}{}

	e.wg.Add(1)
	go e.listen(topic, messages)
}

func (e *eventRepository) Save(
	_ context.Context, topic string, id string, events []domain.Event,
) error {
	if len(events) == 0 {
		return nil
	}

	msg, err := toWatermillMessage(id, events)
	if err != nil {
		return err
	}
	return e.pubsub.Publish(topic, msg)
}

func (e *eventRepository) listen(topic string, messages <-chan *message.Message) {
	defer e.wg.Done()

	for msg := range messages {
		events, err := deserializeEvents(msg.Payload)
		if err != nil {
			log.WithError(err).Warnf(
				"failed to deserialize events %s of topic %s",
				msg.Metadata.Get(metadataEventId), topic,
			)
			msg.Ack()
			continue
		}

		e.subscriberLock.Lock()
		subscribers := append([]subscriber{}, e.subscribers[topic]...)
		e.subscriberLock.Unlock()

		for _, subscriber := range subscribers {
			subscriber.handler(events)
		}
		msg.Ack()
	}
}

func toWatermillMessage(id string, events []domain.Event) (*message.Message, error) {
	payload, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize events: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataEventId, id)
	return msg, nil
}

func deserializeEvents(buf []byte) ([]domain.Event, error) {
	rawEvents := make([]json.RawMessage, 0)
	if err := json.Unmarshal(buf, &rawEvents); err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(rawEvents))
	for _, raw := range rawEvents {
		event, err := deserializeEvent(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func deserializeEvent(buf []byte) (domain.Event, error) {
	var eventType struct {
		Type domain.EventType
	}

	if err := json.Unmarshal(buf, &eventType); err != nil {
		return nil, err
	}

	switch eventType.Type {
	case domain.EventTypeIntentUpdated:
		var event = domain.IntentUpdated{}
		if err := json.Unmarshal(buf, &event); err == nil {
			return event, nil
		}
	case domain.EventTypeBatchCompleted:
		var event = domain.BatchCompleted{}
		if err := json.Unmarshal(buf, &event); err == nil {
			return event, nil
		}
	}

	return nil, fmt.Errorf("unknown event")
}
