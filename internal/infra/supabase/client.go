// Package supabase provides a client for Supabase (PostgREST + RPC).
// It is the production persistence backend for OTPs, profiles and wallets.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("supabase")

const (
	preferRepresentation = "return=representation"
	preferMinimal        = "return=minimal"
)

// Client wraps HTTP calls to Supabase PostgREST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	cb             *gobreaker.CircuitBreaker
	cfg            resilience.Config
	logger         *zap.Logger
}

// NewClient creates a Supabase client. The service-role key bypasses
// row-level security, so every query filters by owner explicitly.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceRoleKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		serviceRoleKey: serviceRoleKey,
		cb:             cb,
		cfg:            cfg,
		logger:         logger,
	}
}

// APIError is a non-2xx PostgREST response. Code carries the Postgres
// SQLSTATE when the database raised the error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supabase returned status %d (%s): %s", e.Status, e.Code, e.Message)
}

// doRequest executes an authenticated request to Supabase PostgREST.
// body may be nil. 404 and 204 yield (nil, nil).
func (c *Client) doRequest(ctx context.Context, method, path string, body any, prefer string) ([]byte, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		c.logger.Error("supabase: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.serviceRoleKey))
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("supabase: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("supabase: failed to read response body",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil // no data
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("supabase: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
		)
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(respBody, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	return respBody, nil
}

// read runs an idempotent call behind the breaker, retrying transient failures.
func (c *Client) read(ctx context.Context, service string, fn func() error) error {
	return c.execute(service, func() error {
		return resilience.RetryIf(ctx, c.cfg, isTransient, fn)
	})
}

// write runs a mutating call behind the breaker exactly once; a retry after
// an ambiguous failure could apply it twice.
func (c *Client) write(service string, fn func() error) error {
	return c.execute(service, fn)
}

// execute keeps business outcomes (lost races, duplicate keys) from
// counting as breaker failures.
func (c *Client) execute(service string, fn func() error) error {
	var business error
	_, err := c.cb.Execute(func() (any, error) {
		err := fn()
		if isBusiness(err) {
			business = err
			return nil, nil
		}
		return nil, err
	})
	if business != nil {
		return business
	}
	return c.wrap(service, err)
}

func isBusiness(err error) bool {
	var (
		conflict  *domain.ErrConcurrency
		duplicate *domain.ErrDuplicate
		notFound  *domain.ErrNotFound
	)
	return errors.As(err, &conflict) || errors.As(err, &duplicate) || errors.As(err, &notFound)
}

// wrap maps breaker refusals and tags other failures with the service.
func (c *Client) wrap(service string, err error) error {
	if err == nil {
		return nil
	}
	if resilience.IsOpen(err) {
		return &domain.ErrCircuitOpen{Service: service}
	}
	return &domain.ErrExternalService{Service: service, Err: err}
}

// isTransient reports network errors and 5xx responses.
func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Ping checks that PostgREST answers with the configured key.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "wallets?select=id&limit=1", nil, "")
	return err
}
