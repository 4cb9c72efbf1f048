package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/crosslogic/deploy-control-plane/internal/apierr"
	"github.com/crosslogic/deploy-control-plane/internal/billing"
	"github.com/crosslogic/deploy-control-plane/internal/deployments"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// idempotencyKeyPattern is the charset spec §6 allows for Idempotency-Key:
// 1-200 bytes of [A-Za-z0-9._:-].
var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,200}$`)

// decodeJSON parses r's body into v, treating a malformed body as a
// validation error rather than an internal one.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Validation("malformed request body: " + err.Error())
	}
	return nil
}

type createCheckoutPayload struct {
	PlanID        string                  `json:"planId"`
	Intent        models.DeploymentIntent `json:"intent"`
	CustomerEmail string                  `json:"customerEmail"`
	Metadata      map[string]any          `json:"metadata"`
	SuccessURL    string                  `json:"successUrl"`
	CancelURL     string                  `json:"cancelUrl"`
}

func (p createCheckoutPayload) toRequest() billing.CreateCheckoutRequest {
	return billing.CreateCheckoutRequest{
		PlanID:        p.PlanID,
		Intent:        p.Intent,
		CustomerEmail: p.CustomerEmail,
		Metadata:      p.Metadata,
		SuccessURL:    p.SuccessURL,
		CancelURL:     p.CancelURL,
	}
}

// handleCreateCheckout validates and creates a billing order plus hosted
// checkout session, honoring an Idempotency-Key header when present: a
// retried request with the same key and payload fingerprint replays the
// original response instead of minting a second order.
func (g *Gateway) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var payload createCheckoutPayload
	if err := decodeJSON(r, &payload); err != nil {
		apierr.Write(w, err)
		return
	}
	req := payload.toRequest()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && !idempotencyKeyPattern.MatchString(idempotencyKey) {
		apierr.Write(w, apierr.Validation("Idempotency-Key must be 1-200 characters of [A-Za-z0-9._:-]"))
		return
	}
	if idempotencyKey == "" || g.checkoutGuard == nil {
		resp, err := g.checkout.Create(r.Context(), mustOwner(r.Context()), req)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		apierr.WriteJSON(w, http.StatusCreated, resp)
		return
	}

	result, fingerprint, err := g.checkoutGuard.Begin(r.Context(), idempotencyKey, billing.FingerprintPayload(req))
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to reserve idempotency key"))
		return
	}
	switch result.Outcome {
	case store.IdemCompleted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.StoredResponse)
		return
	case store.IdemConflict:
		apierr.Write(w, apierr.Conflict("Idempotency-Key reused with a different request body"))
		return
	case store.IdemInProgress:
		apierr.Write(w, apierr.New(apierr.KindConflict, "an identical request is already in progress").WithDetails(map[string]any{
			"retryAfterSeconds": result.RetryAfterSeconds,
		}))
		return
	}

	resp, err := g.checkout.Create(r.Context(), mustOwner(r.Context()), req)
	if err != nil {
		if releaseErr := g.checkoutGuard.Release(r.Context(), idempotencyKey); releaseErr != nil {
			g.logger.Warn("failed to release idempotency reservation after create error", zap.Error(releaseErr))
		}
		apierr.Write(w, err)
		return
	}
	encoded, encErr := json.Marshal(resp)
	if encErr != nil {
		apierr.Write(w, apierr.Internal("failed to encode checkout response"))
		return
	}
	if err := g.checkoutGuard.Finalize(r.Context(), idempotencyKey, fingerprint, encoded); err != nil {
		g.logger.Warn("failed to finalize idempotency reservation", zap.Error(err))
	}
	apierr.WriteJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) handleProvisionOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	result, err := g.bridge.Create(r.Context(), orderID, mustOwner(r.Context()))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := g.store.ListOrders(r.Context())
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to list orders"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, orders)
}

func (g *Gateway) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := g.store.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(w, apierr.NotFound("order not found"))
			return
		}
		apierr.Write(w, apierr.Internal("failed to fetch order"))
		return
	}
	events, err := g.store.ListOrderEvents(r.Context(), id)
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to fetch order events"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"order": order, "events": events})
}

type createDeploymentPayload struct {
	Provider string         `json:"provider"`
	Name     string         `json:"name"`
	Config   map[string]any `json:"config"`
	Secrets  map[string]any `json:"secrets"`
	Metadata map[string]any `json:"metadata"`
}

func (g *Gateway) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var payload createDeploymentPayload
	if err := decodeJSON(r, &payload); err != nil {
		apierr.Write(w, err)
		return
	}
	d, err := g.deployments.Create(r.Context(), mustOwner(r.Context()), deployments.CreateRequest{
		Provider: payload.Provider,
		Name:     payload.Name,
		Config:   payload.Config,
		Secrets:  payload.Secrets,
		Metadata: payload.Metadata,
	})
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, d)
}

func (g *Gateway) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	ds, err := g.deployments.List(r.Context(), mustOwner(r.Context()))
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to list deployments"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, ds)
}

func (g *Gateway) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := mustOwner(r.Context())
	d, err := g.deployments.Get(r.Context(), owner, id)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	events, err := g.deployments.Events(r.Context(), owner, id)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"deployment": d, "events": events})
}

func (g *Gateway) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := g.deployments.Cancel(r.Context(), mustOwner(r.Context()), id)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, d)
}

func (g *Gateway) handleRetryDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := g.deployments.Retry(r.Context(), mustOwner(r.Context()), id)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, d)
}

func (g *Gateway) handleAdminListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := g.store.ListOrders(r.Context())
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to list orders"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, orders)
}

func (g *Gateway) handleAdminListDeployments(w http.ResponseWriter, r *http.Request) {
	ds, err := g.store.ListAllDeployments(r.Context())
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to list deployments"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, ds)
}

func mustOwner(ctx context.Context) string {
	v, _ := ownerUserIDFrom(ctx)
	return v
}
