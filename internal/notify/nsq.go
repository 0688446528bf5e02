package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"
)

// DefaultTopic задаёт топик NSQ, в который публикуются уведомления для фоновой доставки.
const DefaultTopic = "driver.notifications"

// Event описывает сообщение, публикуемое в NSQ.
type Event struct {
	PushToken string            `json:"push_token"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
}

// Publisher публикует уведомления в топик NSQ.
type Publisher struct {
	producer *nsq.Producer
	topic    string
}

// NewPublisher создаёт продюсера NSQ и проверяет доступность nsqd.
func NewPublisher(address, topic string) (*Publisher, error) {
	config := nsq.NewConfig()
	producer, err := nsq.NewProducer(address, config)
	if err != nil {
		return nil, fmt.Errorf("create NSQ producer: %w", err)
	}

	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("ping NSQ daemon: %w", err)
	}

	if topic == "" {
		topic = DefaultTopic
	}

	return &Publisher{producer: producer, topic: topic}, nil
}

// Notify публикует уведомление в топик.
func (p *Publisher) Notify(ctx context.Context, pushToken, title, body string, data map[string]string) error {
	msg, err := json.Marshal(Event{PushToken: pushToken, Title: title, Body: body, Data: data})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.producer.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

// Stop останавливает продюсера.
func (p *Publisher) Stop() {
	p.producer.Stop()
}
