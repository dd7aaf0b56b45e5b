package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
	"github.com/garyjia/receipt-pipeline/internal/resilience"
)

type mockMessageSender struct {
	mu           sync.Mutex
	sendTextFunc func(ctx context.Context, receiveID, content string) error
	sent         []string
	receivers    []string
}

func (m *mockMessageSender) SendText(ctx context.Context, receiveID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendTextFunc != nil {
		if err := m.sendTextFunc(ctx, receiveID, content); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, content)
	m.receivers = append(m.receivers, receiveID)
	return nil
}

func newTestEngine() *resilience.Engine {
	return resilience.NewEngine(resilience.DefaultPolicies(), zap.NewNop(),
		resilience.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
		resilience.WithJitterSource(func(time.Duration) time.Duration { return 0 }))
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l := NewLimiter(2, time.Minute)
	t0 := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

	assert.True(t, l.Allow("k", t0))
	assert.True(t, l.Allow("k", t0.Add(10*time.Second)))
	assert.False(t, l.Allow("k", t0.Add(20*time.Second)))
	assert.True(t, l.Allow("other", t0.Add(20*time.Second)))

	// first hit leaves the window
	assert.True(t, l.Allow("k", t0.Add(61*time.Second)))
	assert.False(t, l.Allow("k", t0.Add(62*time.Second)))
}

func TestLimiter_Sweep(t *testing.T) {
	l := NewLimiter(5, time.Minute)
	t0 := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	l.Allow("a", t0)
	l.Allow("b", t0.Add(50*time.Second))

	assert.Equal(t, 1, l.Sweep(t0.Add(70*time.Second)))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 1, l.Sweep(t0.Add(2*time.Minute)))
	assert.Zero(t, l.Len())
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("k", time.Now()))
	}
}

func TestNotifyUser_SendsRedactedText(t *testing.T) {
	sender := &mockMessageSender{}
	svc := NewService(sender, NewLimiter(10, time.Hour), newTestEngine(), Config{}, zap.NewNop())

	err := svc.NotifyUser(context.Background(), "ou_123", &entity.Notification{
		Type:          entity.NotificationReviewNeeded,
		OrgID:         "o1",
		Title:         "Receipt needs review",
		Message:       "Card 4532123456789012 charged, contact jane@example.com",
		TransactionID: "tx-1",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ou_123", sender.receivers[0])
	assert.Equal(t,
		"[REVIEW_NEEDED] Receipt needs review\nCard ****-****-****-9012 charged, contact ***@***.***\nTransaction: tx-1\nReference: corr-1",
		sender.sent[0])
}

func TestNotifyUser_RateLimited(t *testing.T) {
	sender := &mockMessageSender{}
	svc := NewService(sender, NewLimiter(1, time.Hour), newTestEngine(), Config{}, zap.NewNop())
	n := &entity.Notification{Type: entity.NotificationProcessed, OrgID: "o1", Title: "Done"}

	require.NoError(t, svc.NotifyUser(context.Background(), "u1", n))
	err := svc.NotifyUser(context.Background(), "u1", n)
	assert.Equal(t, failure.KindRateLimitExceeded, failure.KindOf(err))
	assert.Len(t, sender.sent, 1)

	// other users are unaffected
	require.NoError(t, svc.NotifyUser(context.Background(), "u2", n))
}

func TestNotifyUser_RetriesTransientFailures(t *testing.T) {
	calls := 0
	sender := &mockMessageSender{
		sendTextFunc: func(ctx context.Context, receiveID, content string) error {
			calls++
			if calls < 2 {
				return errors.New("lark: 502 bad gateway")
			}
			return nil
		},
	}
	svc := NewService(sender, nil, newTestEngine(), Config{}, zap.NewNop())

	err := svc.NotifyUser(context.Background(), "u1", &entity.Notification{Type: entity.NotificationProcessed, OrgID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestNotifyAdministrators(t *testing.T) {
	sender := &mockMessageSender{}
	n := &entity.Notification{Type: entity.NotificationSecurityAlert, OrgID: "o1", Title: "Malicious content"}

	svc := NewService(sender, nil, newTestEngine(), Config{}, zap.NewNop())
	require.NoError(t, svc.NotifyAdministrators(context.Background(), n))
	assert.Empty(t, sender.sent, "no admin chat configured")

	svc = NewService(sender, nil, newTestEngine(), Config{AdminChatID: "oc_admins"}, zap.NewNop())
	require.NoError(t, svc.NotifyAdministrators(context.Background(), n))
	require.Len(t, sender.receivers, 1)
	assert.Equal(t, "oc_admins", sender.receivers[0])
}

func TestNotifyUser_EmptyUser(t *testing.T) {
	svc := NewService(&mockMessageSender{}, nil, newTestEngine(), Config{}, zap.NewNop())
	assert.Error(t, svc.NotifyUser(context.Background(), "", &entity.Notification{}))
}
