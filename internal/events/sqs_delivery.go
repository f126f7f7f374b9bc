package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// sqsSender is the slice of the SQS client the handler needs.
type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSDeliveryHandler ships outbox entries to the notification queue. The
// notification dispatcher consumes them downstream.
type SQSDeliveryHandler struct {
	client   sqsSender
	queueURL string
}

func NewSQSDeliveryHandler(client *sqs.Client, queueURL string) *SQSDeliveryHandler {
	if client == nil {
		panic("events: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("events: SQS queueURL cannot be empty")
	}
	return &SQSDeliveryHandler{client: client, queueURL: queueURL}
}

func newSQSDeliveryHandlerWithSender(client sqsSender, queueURL string) *SQSDeliveryHandler {
	return &SQSDeliveryHandler{client: client, queueURL: queueURL}
}

type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handle publishes one outbox entry as an enveloped JSON message.
func (h *SQSDeliveryHandler) Handle(ctx context.Context, entry OutboxEntry) error {
	body, err := json.Marshal(envelope{
		ID:      entry.ID.String(),
		Type:    entry.Type,
		Payload: entry.Payload,
	})
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	_, err = h.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(h.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("events: send SQS message: %w", err)
	}
	return nil
}
