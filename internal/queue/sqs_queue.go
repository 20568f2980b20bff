package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSQueue reads change notifications from an SQS queue addressed by name or
// URL. The URL of a named queue is resolved on first use and reused.
type SQSQueue struct {
	client    SQSAPI
	queueName string
	opts      Options

	mu       sync.Mutex
	queueURL string
}

func NewSQSQueue(client SQSAPI, queueName, queueURL string, opts Options) (*SQSQueue, error) {
	queueName = strings.TrimSpace(queueName)
	queueURL = strings.TrimSpace(queueURL)
	if client == nil || (queueName == "" && queueURL == "") {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults()
	if opts.BatchSize > 10 {
		opts.BatchSize = 10
	}
	return &SQSQueue{
		client:    client,
		queueName: queueName,
		queueURL:  queueURL,
		opts:      opts,
	}, nil
}

func (q *SQSQueue) url(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queueURL != "" {
		return q.queueURL, nil
	}
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(q.queueName)})
	if err != nil {
		return "", fmt.Errorf("resolve queue %s: %w", q.queueName, err)
	}
	q.queueURL = aws.ToString(out.QueueUrl)
	return q.queueURL, nil
}

func (q *SQSQueue) GetMessages(ctx context.Context) ([]Message, error) {
	queueURL, err := q.url(ctx)
	if err != nil {
		return nil, err
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(queueURL),
		MaxNumberOfMessages:         int32(q.opts.BatchSize),
		VisibilityTimeout:           int32(q.opts.VisibilityTimeout.Seconds()),
		WaitTimeSeconds:             int32(q.opts.WaitTime.Seconds()),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}
	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			Attributes:    m.Attributes,
		})
	}
	return messages, nil
}

func (q *SQSQueue) DeleteMessage(ctx context.Context, receiptHandle string) error {
	if strings.TrimSpace(receiptHandle) == "" {
		return ErrInvalidInput
	}
	queueURL, err := q.url(ctx)
	if err != nil {
		return err
	}
	_, err = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Publish(ctx context.Context, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrInvalidInput
	}
	queueURL, err := q.url(ctx)
	if err != nil {
		return "", err
	}
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *SQSQueue) Close() error {
	return nil
}
