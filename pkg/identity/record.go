package identity

import (
	"strings"
	"time"
)

const (
	TierFree = "free"

	StatusActive = "active"
)

// Record is the per-identity document stored under "entity:<id>". It is
// created once by the Registry, mutated by business logic through Update,
// and never deleted in normal operation.
type Record struct {
	ID                string    `json:"id"`
	Email             string    `json:"email,omitempty"`
	Tier              string    `json:"tier"`
	Status            string    `json:"status"`
	BillingCustomerID string    `json:"billing_customer_id,omitempty"`
	SubscriptionID    string    `json:"subscription_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Attrs seeds a record on first contact. Empty Tier and Status fall back to
// TierFree and StatusActive.
type Attrs struct {
	Email             string
	Tier              string
	Status            string
	BillingCustomerID string
}

// Index names a secondary lookup key pointing at a record id.
type Index string

const (
	IndexEmail           Index = "by-email"
	IndexBillingCustomer Index = "by-billing"
)

func recordKey(id string) string {
	return "entity:" + id
}

func indexKey(idx Index, value string) string {
	return "entity:" + string(idx) + ":" + normalize(idx, value)
}

func normalize(idx Index, value string) string {
	value = strings.TrimSpace(value)
	if idx == IndexEmail {
		value = strings.ToLower(value)
	}
	return value
}

// indexKeys lists the index keys rec should have.
func (rec Record) indexKeys() []string {
	var keys []string
	if rec.Email != "" {
		keys = append(keys, indexKey(IndexEmail, rec.Email))
	}
	if rec.BillingCustomerID != "" {
		keys = append(keys, indexKey(IndexBillingCustomer, rec.BillingCustomerID))
	}
	return keys
}

func newRecord(id string, attrs Attrs, now time.Time) Record {
	rec := Record{
		ID:                id,
		Email:             normalize(IndexEmail, attrs.Email),
		Tier:              attrs.Tier,
		Status:            attrs.Status,
		BillingCustomerID: strings.TrimSpace(attrs.BillingCustomerID),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if rec.Tier == "" {
		rec.Tier = TierFree
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	return rec
}
