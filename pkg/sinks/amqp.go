package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/psantana5/genbatch/pkg/models"
)

// ExportMessage is the body published for a finished batch
type ExportMessage struct {
	BankID     string             `json:"bank_id"`
	Tags       []string           `json:"tags,omitempty"`
	Results    []models.JobResult `json:"results"`
	ExportedAt time.Time          `json:"exported_at"`
}

// publisher is satisfied by *amqp.Channel
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPExporter publishes successful results to RabbitMQ, routed by bank id
type AMQPExporter struct {
	ch       publisher
	exchange string
	conn     *amqp.Connection
}

// DialAMQPExporter connects to url and declares a durable topic exchange
func DialAMQPExporter(url, exchange string) (*AMQPExporter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPExporter{ch: ch, exchange: exchange, conn: conn}, nil
}

// Export publishes one persistent message for the batch's results
func (e *AMQPExporter) Export(ctx context.Context, bankID string, results []models.JobResult, tags []string) error {
	body, err := json.Marshal(ExportMessage{
		BankID:     bankID,
		Tags:       tags,
		Results:    results,
		ExportedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}

	err = e.ch.PublishWithContext(ctx, e.exchange, "bank."+bankID, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish export for bank %s: %w", bankID, err)
	}
	return nil
}

// Close closes the underlying connection
func (e *AMQPExporter) Close() error {
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}
