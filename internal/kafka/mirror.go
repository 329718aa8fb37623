// Package kafka mirrors broadcast events onto Kafka topics for downstream
// consumers.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
)

// HeaderEventType carries the event type on every mirrored message.
const HeaderEventType = "event-type"

// Writer is the subset of *kafka.Writer the mirror needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the JSON value of a mirrored message.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Mirror publishes each event to the Kafka topic for its broadcast topic.
type Mirror struct {
	writers map[models.Topic]Writer
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// TopicName returns the Kafka topic used for a broadcast topic.
func TopicName(prefix string, topic models.Topic) string {
	if prefix == "" {
		return string(topic)
	}
	return prefix + "." + string(topic)
}

// NewMirror creates one asynchronous writer per broadcast topic. Delivery
// failures are logged and never reach the publisher.
func NewMirror(brokers []string, prefix, clientID string) (*Mirror, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka mirror needs at least one broker")
	}
	log := logger.With("kafka")
	writers := make(map[models.Topic]Writer, len(models.AllTopics))
	for _, topic := range models.AllTopics {
		name := TopicName(prefix, topic)
		writers[topic] = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  name,
			Balancer:               &kafka.Hash{},
			BatchSize:              100,
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			Async:                  true,
			AllowAutoTopicCreation: true,
			Transport:              &kafka.Transport{ClientID: clientID},
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					log.Warn().Err(err).Str("topic", name).Int("messages", len(msgs)).Msg("failed to mirror events")
				}
			},
		}
	}
	return newMirror(writers), nil
}

func newMirror(writers map[models.Topic]Writer) *Mirror {
	return &Mirror{
		writers: writers,
		timeout: 5 * time.Second,
		now:     time.Now,
		log:     logger.With("kafka"),
	}
}

// Publish mirrors one event. It never returns an error.
func (m *Mirror) Publish(topic models.Topic, eventType string, payload any) {
	w, ok := m.writers[topic]
	if !ok {
		return
	}
	msg, err := m.message(eventType, payload)
	if err != nil {
		m.log.Error().Err(err).Str("type", eventType).Msg("failed to encode event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := w.WriteMessages(ctx, msg); err != nil {
		m.log.Warn().Err(err).Str("topic", string(topic)).Str("type", eventType).Msg("failed to mirror event")
	}
}

func (m *Mirror) message(eventType string, payload any) (kafka.Message, error) {
	at := m.now().UTC()
	value, err := json.Marshal(Event{Type: eventType, Data: payload, Timestamp: at})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(messageKey(eventType, payload)),
		Value: value,
		Time:  at,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(eventType)},
			{Key: "content-type", Value: []byte("application/json")},
		},
	}, nil
}

// messageKey keeps events about the same entity on one partition.
func messageKey(eventType string, payload any) string {
	switch p := payload.(type) {
	case models.Trade:
		return p.ID
	case *models.Trade:
		return p.ID
	case models.InsightUpdate:
		return p.PostKey
	case models.MarketTick:
		return p.Symbol
	case []models.MarketTick:
		return "market"
	}
	return eventType
}

// Close flushes pending messages and closes every writer.
func (m *Mirror) Close() error {
	var errs []error
	for topic, w := range m.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s writer: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}
