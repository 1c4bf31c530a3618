package sink

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

type queueClient interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Envelope is the queue message body.
type Envelope struct {
	Source       string              `json:"source"`
	Notification domain.Notification `json:"notification"`
}

// QueueSink writes notifications to an Azure Storage queue.
type QueueSink struct {
	queue  queueClient
	name   string
	source string
}

// NewQueueSink creates a sink for queueName using the given connection string.
func NewQueueSink(connStr, queueName, source string) (*QueueSink, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return newQueueSink(q, queueName, source), nil
}

func newQueueSink(q queueClient, name, source string) *QueueSink {
	if source == "" {
		source = "taskboard"
	}
	return &QueueSink{queue: q, name: name, source: source}
}

// EnsureQueue creates the queue if it does not exist yet.
func (s *QueueSink) EnsureQueue(ctx context.Context) error {
	_, err := s.queue.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists" {
			return nil
		}
		return err
	}
	return nil
}

func (s *QueueSink) Name() string { return "queue:" + s.name }

// Deliver enqueues n wrapped in an Envelope.
func (s *QueueSink) Deliver(ctx context.Context, n domain.Notification) error {
	data, err := sonic.Marshal(Envelope{Source: s.source, Notification: n})
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
