// Package notify hands fire-and-forget delivery requests to the notification
// collaborator and publishes live change events. Nothing in the transactional
// core waits on, or depends on the success of, anything in this package.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Notification kinds
const (
	KindOrderCreated      = "order_created"
	KindOrderStarted      = "order_started"
	KindOrderDelivered    = "order_delivered"
	KindOrderCompleted    = "order_completed"
	KindRevisionRequested = "revision_requested"
	KindOrderCancelled    = "order_cancelled"
	KindLeadClaimed       = "lead_claimed"
	KindCreditsPurchased  = "credits_purchased"
)

// Notification is a delivery request keyed by Reference. Recipient is a user
// ID; the collaborator owns contact details.
type Notification struct {
	Kind      string            `json:"kind"`
	Reference string            `json:"reference"`
	Recipient string            `json:"recipient"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (n Notification) encode() ([]byte, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(n)
}

// Notifier delivers a notification to the external collaborator.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier only logs; used when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Printf("[NOTIFY] %s for %s -> %s", n.Kind, n.Reference, n.Recipient)
	return nil
}

// Dispatcher sends notifications on background goroutines with a bounded
// delivery time. Failures are logged and dropped.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(notifier Notifier, timeout time.Duration) *Dispatcher {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{notifier: notifier, timeout: timeout}
}

// Dispatch schedules n and returns immediately. A nil Dispatcher drops n.
func (d *Dispatcher) Dispatch(n Notification) {
	if d == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, n); err != nil {
			log.Printf("[NOTIFY] Delivery of %s for %s failed: %v", n.Kind, n.Reference, err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish; used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
