package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// ChangeFeed publishes post-commit state changes on Redis pub/sub so clients
// can observe balances and lead slots without polling. Publishing is best
// effort and never affects the committed transaction.
type ChangeFeed struct {
	redis *redis.Client
	now   func() time.Time
}

// NewChangeFeed returns nil when client is nil; a nil feed is a no-op.
func NewChangeFeed(client *redis.Client) *ChangeFeed {
	if client == nil {
		return nil
	}
	return &ChangeFeed{redis: client, now: time.Now}
}

func BalanceChannel(freelancerID string) string {
	return fmt.Sprintf("credits:%s", freelancerID)
}

func LeadChannel(leadID string) string {
	return fmt.Sprintf("leads:%s", leadID)
}

type balanceChange struct {
	FreelancerID string    `json:"freelancer_id"`
	Balance      int       `json:"balance"`
	Delta        int       `json:"delta"`
	At           time.Time `json:"at"`
}

type slotChange struct {
	LeadID       string    `json:"lead_id"`
	ClaimedSlots int       `json:"claimed_slots"`
	MaxSlots     int       `json:"max_slots"`
	IsExclusive  bool      `json:"is_exclusive"`
	Status       string    `json:"status"`
	At           time.Time `json:"at"`
}

func (f *ChangeFeed) BalanceChanged(ctx context.Context, freelancerID string, balance, delta int) {
	if f == nil {
		return
	}
	f.publish(ctx, BalanceChannel(freelancerID), balanceChange{
		FreelancerID: freelancerID,
		Balance:      balance,
		Delta:        delta,
		At:           f.now().UTC(),
	})
}

func (f *ChangeFeed) SlotsChanged(ctx context.Context, leadID string, claimed, max int, exclusive bool, status string) {
	if f == nil {
		return
	}
	f.publish(ctx, LeadChannel(leadID), slotChange{
		LeadID:       leadID,
		ClaimedSlots: claimed,
		MaxSlots:     max,
		IsExclusive:  exclusive,
		Status:       status,
		At:           f.now().UTC(),
	})
}

func (f *ChangeFeed) publish(ctx context.Context, channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := f.redis.Publish(ctx, channel, data).Err(); err != nil {
		log.Printf("[CHANGEFEED] Publish on %s failed: %v", channel, err)
	}
}
