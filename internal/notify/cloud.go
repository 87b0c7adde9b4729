package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"cloud.google.com/go/pubsub"

	"github.com/saferun/saferun/internal/store"
)

// cloudTasksBackend hands generic-webhook delivery off to Cloud Tasks so
// retry/backoff and dead-lettering live at the queue instead of in this
// process, mirroring the teacher's webhooks.CloudDispatcher.
type cloudTasksBackend struct {
	client    *cloudtasks.Client
	queuePath string
}

func newCloudTasksBackend(ctx context.Context, project, location, queue string) (*cloudTasksBackend, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	return &cloudTasksBackend{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", project, location, queue),
	}, nil
}

// enqueue creates one HTTP task for a single webhook delivery. Enqueue is
// fire-and-forget from the caller's perspective; failures are logged and the
// caller's own in-process retry path is the fallback.
func (b *cloudTasksBackend) enqueue(ctx context.Context, url string, payload []byte, headers map[string]string) error {
	req := &taskspb.CreateTaskRequest{
		Parent: b.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        url,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}
	_, err := b.client.CreateTask(ctx, req)
	return err
}

func (b *cloudTasksBackend) Close() error {
	return b.client.Close()
}

// pubsubBackend durably fans delivery jobs out to every notifier process
// subscribed to the topic, so a job published from one instance is delivered
// by whichever instance's subscription pulls it — mirroring the teacher's
// events.PubSubEventBus dual durable+in-memory fan-out.
type pubsubBackend struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
}

func newPubSubBackend(ctx context.Context, project, topicID string) (*pubsubBackend, error) {
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	subID := topicID + "-notify-workers"
	sub := client.Subscription(subID)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscription.Exists: %w", err)
	}
	if !subExists {
		if sub, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic}); err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateSubscription: %w", err)
		}
	}

	return &pubsubBackend{client: client, topic: topic, sub: sub}, nil
}

type wireJob struct {
	Event  string         `json:"event"`
	Change *wireChange    `json:"change"`
	Extras map[string]any `json:"extras"`
}

type wireChange struct {
	ChangeID  string  `json:"change_id"`
	TargetID  string  `json:"target_id"`
	Title     string  `json:"title"`
	Status    string  `json:"status"`
	RiskScore float64 `json:"risk_score"`
	APIKey    string  `json:"api_key"`
}

func (b *pubsubBackend) publish(ctx context.Context, job deliveryJob) {
	wire := wireJob{
		Event: job.event,
		Change: &wireChange{
			ChangeID:  job.change.ChangeID,
			TargetID:  job.change.TargetID,
			Title:     job.change.Title,
			Status:    string(job.change.Status),
			RiskScore: job.change.RiskScore,
			APIKey:    job.change.APIKey,
		},
		Extras: job.extras,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		slog.Error("notify: pubsub marshal failed", "error", err)
		return
	}
	result := b.topic.Publish(ctx, &pubsub.Message{Data: payload})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := result.Get(ctx); err != nil {
			slog.Error("notify: pubsub publish failed", "change_id", job.change.ChangeID, "error", err)
		}
	}()
}

// receive runs until ctx is cancelled, decoding every inbound message into a
// deliveryJob and pushing it onto the local worker queue.
func (b *pubsubBackend) receive(ctx context.Context, into chan<- deliveryJob) {
	err := b.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var wire wireJob
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			slog.Error("notify: pubsub decode failed", "error", err)
			msg.Nack()
			return
		}
		into <- deliveryJob{
			event:   wire.Event,
			extras:  wire.Extras,
			attempt: 1,
			change:  changeFromWire(wire.Change),
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("notify: pubsub receive loop exited", "error", err)
	}
}

func changeFromWire(w *wireChange) *store.Change {
	if w == nil {
		return &store.Change{}
	}
	return &store.Change{
		ChangeID:  w.ChangeID,
		TargetID:  w.TargetID,
		Title:     w.Title,
		Status:    store.Status(w.Status),
		RiskScore: w.RiskScore,
		APIKey:    w.APIKey,
	}
}

func (b *pubsubBackend) Close() error {
	b.topic.Stop()
	return b.client.Close()
}
