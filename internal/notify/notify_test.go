package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	got  []Notification
	fail error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.fail
}

func TestDispatcher(t *testing.T) {
	t.Run("delivers asynchronously", func(t *testing.T) {
		rec := &recordingNotifier{}
		d := NewDispatcher(rec, time.Second)

		d.Dispatch(Notification{Kind: KindOrderDelivered, Reference: "order-1"})
		d.Dispatch(Notification{Kind: KindOrderCompleted, Reference: "order-1"})
		d.Wait()

		assert.Len(t, rec.got, 2)
	})

	t.Run("delivery failure is swallowed", func(t *testing.T) {
		rec := &recordingNotifier{fail: errors.New("collaborator down")}
		d := NewDispatcher(rec, time.Second)

		assert.NotPanics(t, func() {
			d.Dispatch(Notification{Kind: KindLeadClaimed, Reference: "lead-1"})
			d.Wait()
		})
	})

	t.Run("nil dispatcher drops", func(t *testing.T) {
		var d *Dispatcher
		assert.NotPanics(t, func() {
			d.Dispatch(Notification{Kind: KindLeadClaimed})
			d.Wait()
		})
	})
}

func TestRedisQueue_Notify(t *testing.T) {
	client, mock := redismock.NewClientMock()
	queue := NewRedisQueue(client, "notifications")

	n := Notification{
		Kind:      KindOrderCreated,
		Reference: "order-1",
		Recipient: "client@example.com",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := n.encode()
	require.NoError(t, err)

	t.Run("pushes encoded notification", func(t *testing.T) {
		mock.ExpectRPush("notifications", data).SetVal(1)

		assert.NoError(t, queue.Notify(context.Background(), n))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("surfaces redis errors", func(t *testing.T) {
		mock.ExpectRPush("notifications", data).SetErr(errors.New("READONLY"))

		err := queue.Notify(context.Background(), n)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to queue notification")
	})
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifier_KeysByReference(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaNotifier{writer: w}

	err := k.Notify(context.Background(), Notification{Kind: KindOrderDelivered, Reference: "order-9"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	assert.Equal(t, []byte("order-9"), w.msgs[0].Key)
	assert.Equal(t, "kind", w.msgs[0].Headers[0].Key)

	var decoded Notification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, KindOrderDelivered, decoded.Kind)
	assert.False(t, decoded.CreatedAt.IsZero())
}

func TestChangeFeed(t *testing.T) {
	client, mock := redismock.NewClientMock()
	feed := NewChangeFeed(client)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	feed.now = func() time.Time { return fixed }

	payload, _ := json.Marshal(balanceChange{FreelancerID: "fl-1", Balance: 7, Delta: -3, At: fixed})
	mock.ExpectPublish("credits:fl-1", payload).SetVal(1)

	feed.BalanceChanged(context.Background(), "fl-1", 7, -3)
	assert.NoError(t, mock.ExpectationsWereMet())

	var nilFeed *ChangeFeed
	assert.Nil(t, NewChangeFeed(nil))
	assert.NotPanics(t, func() { nilFeed.SlotsChanged(context.Background(), "l", 1, 3, false, "open") })
}
