// Package queue holds request logs that could not be written to the store
// so they can be re-inserted later.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

type SpilledLog struct {
	Log       domain.RequestLog `json:"log"`
	Reason    string            `json:"reason"`
	SpilledAt time.Time         `json:"spilled_at"`
}

type Message struct {
	Spill         SpilledLog
	ReceiptHandle string
}

type Queue interface {
	Send(ctx context.Context, spill SpilledLog) error
	Receive(ctx context.Context, maxMessages int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client   sqsAPI
	queueURL string
	wait     int32
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSQueueWithConfig(cfg, queueURL), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		wait:     20,
	}
}

func (q *SQSQueue) Send(ctx context.Context, spill SpilledLog) error {
	body, err := json.Marshal(spill)
	if err != nil {
		return fmt.Errorf("marshal spilled log: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"LogID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(spill.Log.ID),
			},
			"Status": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(spill.Log.Status)),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       q.wait,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	out := make([]Message, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var spill SpilledLog
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &spill); err != nil {
			slog.Warn("dropping malformed spilled log", "error", err)
			q.Delete(ctx, aws.ToString(msg.ReceiptHandle))
			continue
		}
		out = append(out, Message{Spill: spill, ReceiptHandle: aws.ToString(msg.ReceiptHandle)})
	}
	return out, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}
	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// InMemoryQueue keeps spilled logs in process until the store comes back.
// Received messages that were not deleted are handed out again on the next
// Receive, which SQS does through its visibility timeout.
type InMemoryQueue struct {
	mu       sync.Mutex
	seq      int
	messages []Message
	inflight map[string]Message
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{inflight: make(map[string]Message)}
}

func (q *InMemoryQueue) Send(ctx context.Context, spill SpilledLog) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.messages = append(q.messages, Message{Spill: spill, ReceiptHandle: strconv.Itoa(q.seq)})
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeue()

	count := min(maxMessages, len(q.messages))
	out := make([]Message, count)
	copy(out, q.messages[:count])
	q.messages = q.messages[count:]
	for _, m := range out {
		q.inflight[m.ReceiptHandle] = m
	}
	return out, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, receiptHandle)
	return nil
}

func (q *InMemoryQueue) requeue() {
	for h, m := range q.inflight {
		q.messages = append(q.messages, m)
		delete(q.inflight, h)
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages) + len(q.inflight)
}
