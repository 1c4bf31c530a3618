package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

type fakeQueue struct {
	messages  []string
	err       error
	createErr error
	created   int
}

func (f *fakeQueue) Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error) {
	f.created++
	return azqueue.CreateResponse{}, f.createErr
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestQueueSinkWritesEnvelope(t *testing.T) {
	q := &fakeQueue{}
	s := newQueueSink(q, "task-notifications", "")
	note := domain.Notification{ID: "n1", TaskID: "t1", TaskTitle: "Ship", Type: domain.NotificationMoved, Message: `Task "Ship" was moved`}

	if err := s.Deliver(context.Background(), note); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(q.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(q.messages))
	}
	var env Envelope
	if err := sonic.UnmarshalString(q.messages[0], &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Source != "taskboard" || env.Notification.TaskID != "t1" || env.Notification.Type != domain.NotificationMoved {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if s.Name() != "queue:task-notifications" {
		t.Fatalf("unexpected name %q", s.Name())
	}
}

func TestQueueSinkPropagatesErrors(t *testing.T) {
	boom := errors.New("queue down")
	s := newQueueSink(&fakeQueue{err: boom}, "q", "api")
	if err := s.Deliver(context.Background(), domain.Notification{ID: "n1"}); !errors.Is(err, boom) {
		t.Fatalf("expected queue error, got %v", err)
	}
}

func TestQueueSinkEnsureQueue(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"created", nil, false},
		{"already exists", &azcore.ResponseError{ErrorCode: "QueueAlreadyExists", StatusCode: 409}, false},
		{"forbidden", &azcore.ResponseError{ErrorCode: "AuthorizationFailure", StatusCode: 403}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{createErr: tt.err}
			err := newQueueSink(q, "q", "").EnsureQueue(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error %v", err)
			}
			if q.created != 1 {
				t.Fatalf("expected one create call, got %d", q.created)
			}
		})
	}
}

func TestRedisPublisherPublishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pubsub := client.Subscribe(ctx, DefaultChannel)
	t.Cleanup(func() { _ = pubsub.Close() })
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p := NewRedisPublisher(client, "")
	note := domain.Notification{ID: "n1", TaskID: "t1", TaskTitle: "Ship", Type: domain.NotificationCompleted}
	if err := p.Deliver(ctx, note); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	msg, err := pubsub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var got domain.Notification
	if err := sonic.UnmarshalString(msg.Payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != note.ID || got.Type != domain.NotificationCompleted {
		t.Fatalf("unexpected payload %+v", got)
	}
	if p.Name() != "redis:"+DefaultChannel {
		t.Fatalf("unexpected name %q", p.Name())
	}
}
