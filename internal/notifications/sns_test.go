package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/felipepmaragno/omnikit/internal/circuitbreaker"
	"github.com/felipepmaragno/omnikit/internal/quota"
)

type mockPublisher struct {
	PublishFunc func(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *mockPublisher) Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, in, optFns...)
}

func TestSNSNotifier_Send(t *testing.T) {
	var got *sns.PublishInput
	n := &SNSNotifier{
		topicArn: "arn:aws:sns:us-east-1:123:omnikit",
		client: &mockPublisher{PublishFunc: func(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			got = in
			return &sns.PublishOutput{}, nil
		}},
	}

	err := n.Send(context.Background(), Notification{Type: NotificationChannelDown, ChannelID: "ch1", Message: "down"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if aws.ToString(got.TopicArn) != "arn:aws:sns:us-east-1:123:omnikit" {
		t.Errorf("topic = %s", aws.ToString(got.TopicArn))
	}
	if aws.ToString(got.MessageAttributes["ChannelID"].StringValue) != "ch1" {
		t.Error("missing ChannelID attribute")
	}
	if _, ok := got.MessageAttributes["TokenID"]; ok {
		t.Error("TokenID attribute must be omitted when empty")
	}

	var body Notification
	if err := json.Unmarshal([]byte(aws.ToString(got.Message)), &body); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if body.Type != NotificationChannelDown {
		t.Errorf("type = %s", body.Type)
	}
}

func TestSNSNotifier_SendError(t *testing.T) {
	n := &SNSNotifier{client: &mockPublisher{PublishFunc: func(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
		return nil, errors.New("throttled")
	}}}
	if err := n.Send(context.Background(), Notification{Type: NotificationQuotaWarning}); err == nil {
		t.Error("expected error")
	}
}

func waitFor(t *testing.T, n *InMemoryNotifier, count int) []Notification {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := n.GetNotifications(); len(got) >= count {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return n.GetNotifications()
}

func TestBreakerTransition(t *testing.T) {
	n := NewInMemoryNotifier()

	BreakerTransition(n, "ch1", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	got := waitFor(t, n, 1)
	if len(got) != 1 || got[0].Type != NotificationChannelDown || got[0].ChannelID != "ch1" {
		t.Fatalf("unexpected notifications: %+v", got)
	}

	BreakerTransition(n, "ch1", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	BreakerTransition(n, "ch1", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)
	got = waitFor(t, n, 2)
	if len(got) != 2 || got[1].Type != NotificationChannelUp {
		t.Errorf("expected only down and up, got %+v", got)
	}
}

func TestQuotaAlertHandler(t *testing.T) {
	n := NewInMemoryNotifier()
	h := QuotaAlertHandler(n)

	h(context.Background(), quota.Alert{TokenID: "tok-1", Level: quota.AlertLevelExceeded, Used: 100, Limit: 100, Percentage: 100})

	got := waitFor(t, n, 1)
	if len(got) != 1 || got[0].Type != NotificationQuotaExceeded || got[0].TokenID != "tok-1" {
		t.Errorf("unexpected notifications: %+v", got)
	}
}
