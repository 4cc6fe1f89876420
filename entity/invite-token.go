package entity

import "time"

// InviteToken lets a user obtain proxy access without individual admin
// review. Users open a deep link (t.me/bot?start=CODE) or send /start CODE.
// Redemption is an atomic check-and-increment in the store; exhausted and
// expired tokens are kept as an audit trail, never deleted.
type InviteToken struct {
	Code        string    `json:"code" bson:"code"`
	AutoApprove bool      `json:"auto_approve" bson:"auto_approve"`
	MaxUsage    int64     `json:"max_usage" bson:"max_usage"` // 0 = unbounded
	UsageCount  int64     `json:"usage_count" bson:"usage_count"`
	ExpiresAt   time.Time `json:"expires_at" bson:"expires_at"`
	CreatedBy   int64     `json:"created_by,omitempty" bson:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	UsedBy      int64     `json:"used_by,omitempty" bson:"used_by,omitempty"`
	UsedAt      time.Time `json:"used_at,omitempty" bson:"used_at,omitempty"`
}

func (t *InviteToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *InviteToken) Exhausted() bool {
	return t.MaxUsage > 0 && t.UsageCount >= t.MaxUsage
}

// Usable reports whether a redemption attempt at the given moment may pass.
// The store re-checks the same condition atomically; this is for display.
func (t *InviteToken) Usable(now time.Time) bool {
	return !t.Expired(now) && !t.Exhausted()
}
