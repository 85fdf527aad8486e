package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/manenim/keyword-coord/pkg/idempotency"
	"github.com/manenim/keyword-coord/pkg/identity"
)

// maxWebhookBody caps the webhook payload size.
const maxWebhookBody = 1 << 20

// BillingEvent is the subset of a billing-provider webhook this service
// understands.
type BillingEvent struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	UserID         string `json:"user_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Tier           string `json:"tier,omitempty"`
}

// BillingApplier applies the business effect of one event. Errors wrapped
// with idempotency.Business are terminal; any other error asks the sender
// to redeliver.
type BillingApplier interface {
	Apply(ctx context.Context, ev BillingEvent) error
}

type webhookResponse struct {
	EventID string `json:"event_id"`
	State   string `json:"state"`
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	var ev BillingEvent
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}

	out := s.cfg.Ledger.Process(r.Context(), ev.ID, func(ctx context.Context) error {
		return s.cfg.Billing.Apply(ctx, ev)
	})

	resp := webhookResponse{EventID: ev.ID, State: out.State.String()}
	switch {
	case out.State == idempotency.StateRejected:
		writeError(w, http.StatusBadRequest, out.Err.Error())
	case out.Retryable():
		s.logger.Warn("billing: asking for redelivery", "event_id", ev.ID, "type", ev.Type, "error", out.Err)
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		if out.Err != nil {
			s.logger.Warn("billing: event acknowledged with anomaly",
				"event_id", ev.ID, "type", ev.Type, "state", resp.State, "error", out.Err)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Billing event types handled by RegistryBilling.
const (
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
)

// ErrUnknownSubject is returned when an event names neither a user nor a
// known billing customer.
var ErrUnknownSubject = errors.New("billing: event has no resolvable subject")

// RegistryBilling applies subscription events to identity records.
type RegistryBilling struct {
	Registry *identity.Registry
}

func (b RegistryBilling) Apply(ctx context.Context, ev BillingEvent) error {
	var tier string
	switch ev.Type {
	case EventSubscriptionUpdated:
		if ev.Tier == "" {
			return idempotency.Business(fmt.Errorf("billing: %s without tier", ev.Type))
		}
		tier = ev.Tier
	case EventSubscriptionCanceled:
		tier = identity.TierFree
	default:
		return nil
	}

	id, err := b.subject(ctx, ev)
	if err != nil {
		return err
	}
	_, err = b.Registry.Update(ctx, id, func(rec *identity.Record) error {
		rec.Tier = tier
		if ev.CustomerID != "" {
			rec.BillingCustomerID = ev.CustomerID
		}
		if ev.SubscriptionID != "" {
			rec.SubscriptionID = ev.SubscriptionID
		}
		return nil
	})
	if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrIndexConflict) || errors.Is(err, identity.ErrInvalidID) {
		return idempotency.Business(err)
	}
	return err
}

func (b RegistryBilling) subject(ctx context.Context, ev BillingEvent) (string, error) {
	if ev.UserID != "" {
		return ev.UserID, nil
	}
	if ev.CustomerID == "" {
		return "", idempotency.Business(ErrUnknownSubject)
	}
	rec, err := b.Registry.Lookup(ctx, identity.IndexBillingCustomer, ev.CustomerID)
	if errors.Is(err, identity.ErrNotFound) {
		return "", idempotency.Business(fmt.Errorf("%w: customer %s", ErrUnknownSubject, ev.CustomerID))
	}
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}
