package beatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteStore is the query surface of the server-side relational store.
// Each call returns the full record set matching the filter; the engine
// never asks the server for deltas (see Syncer for why visits in
// particular must always be fetched whole).
type RemoteStore interface {
	// BeatPlans returns the beat plans scheduled for (user, date).
	BeatPlans(ctx context.Context, userID, date string) ([]BeatPlan, error)

	// Visits returns all visits for (user, date).
	Visits(ctx context.Context, userID, date string) ([]Visit, error)

	// ConfirmedOrders returns the confirmed orders for (user, date).
	ConfirmedOrders(ctx context.Context, userID, date string) ([]Order, error)

	// PointsLedger returns the gamification ledger rows earned by the user
	// within the date's day window.
	PointsLedger(ctx context.Context, userID, date string) ([]PointsEntry, error)

	// RetailersByBeat returns the user's retailers whose beat_id is in
	// beatIDs.
	RetailersByBeat(ctx context.Context, userID string, beatIDs []string) ([]Retailer, error)

	// RetailersByID returns retailers whose id is in ids.
	RetailersByID(ctx context.Context, ids []string) ([]Retailer, error)
}

// HTTPRemoteStore implements RemoteStore against a JSON-over-HTTP API.
// Transient failures are retried with backoff; a circuit breaker keeps an
// unreachable server from being hammered on every sync tick.
type HTTPRemoteStore struct {
	config  RemoteConfig
	client  HTTPDoer
	retryer *Retryer
	breaker *CircuitBreaker
}

// NewHTTPRemoteStore creates a remote store client. A nil client uses a
// default http.Client bounded by the configured request timeout.
func NewHTTPRemoteStore(config RemoteConfig, client HTTPDoer) *HTTPRemoteStore {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = Duration(30 * time.Second)
	}
	if client == nil {
		client = &http.Client{Timeout: config.RequestTimeout.Std()}
	}
	return &HTTPRemoteStore{
		config: config,
		client: client,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    config.MaxRetries,
			InitialBackoff: config.RetryBackoff.Std(),
			RetryIf:        IsRetryable,
		}),
		breaker: NewCircuitBreaker(5, time.Minute),
	}
}

func (r *HTTPRemoteStore) BeatPlans(ctx context.Context, userID, date string) ([]BeatPlan, error) {
	var out []BeatPlan
	err := r.getJSON(ctx, "/api/v1/beat_plans", url.Values{
		"user_id":   {userID},
		"plan_date": {date},
	}, &out)
	return out, err
}

func (r *HTTPRemoteStore) Visits(ctx context.Context, userID, date string) ([]Visit, error) {
	var out []Visit
	err := r.getJSON(ctx, "/api/v1/visits", url.Values{
		"user_id":      {userID},
		"planned_date": {date},
	}, &out)
	return out, err
}

func (r *HTTPRemoteStore) ConfirmedOrders(ctx context.Context, userID, date string) ([]Order, error) {
	var out []Order
	err := r.getJSON(ctx, "/api/v1/orders", url.Values{
		"user_id":    {userID},
		"order_date": {date},
		"status":     {OrderStatusConfirmed},
	}, &out)
	return out, err
}

func (r *HTTPRemoteStore) PointsLedger(ctx context.Context, userID, date string) ([]PointsEntry, error) {
	var out []PointsEntry
	err := r.getJSON(ctx, "/api/v1/gamification_points", url.Values{
		"user_id": {userID},
		"date":    {date},
	}, &out)
	return out, err
}

func (r *HTTPRemoteStore) RetailersByBeat(ctx context.Context, userID string, beatIDs []string) ([]Retailer, error) {
	if len(beatIDs) == 0 {
		return nil, nil
	}
	var out []Retailer
	err := r.getJSON(ctx, "/api/v1/retailers", url.Values{
		"user_id": {userID},
		"beat_id": {strings.Join(beatIDs, ",")},
	}, &out)
	return out, err
}

func (r *HTTPRemoteStore) RetailersByID(ctx context.Context, ids []string) ([]Retailer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []Retailer
	err := r.getJSON(ctx, "/api/v1/retailers", url.Values{
		"id": {strings.Join(ids, ",")},
	}, &out)
	return out, err
}

// getJSON issues a GET through the breaker and retryer and decodes the
// JSON response body into v.
func (r *HTTPRemoteStore) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	endpoint := strings.TrimRight(r.config.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return r.breaker.Execute(func() error {
		return r.retryer.Do(ctx, func() error {
			ctx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout.Std())
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Accept", "application/json")
			if r.config.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
			}

			resp, err := r.client.Do(req)
			if err != nil {
				return fmt.Errorf("send request: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 500 {
				return fmt.Errorf("server error: status %d", resp.StatusCode)
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				return fmt.Errorf("rate limited")
			}
			if resp.StatusCode >= 400 {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
			}

			if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		})
	})
}
