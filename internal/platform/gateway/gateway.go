// Package gateway defines the payment gateway collaborator consumed by the
// billing core, an HTTP implementation, and a scripted fake for tests.
//
// Gateway call failures must leave a bill in its pre-call state; callers only
// advance ledger status after a successful confirmation carrying a
// transaction id.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/maven/billing/internal/domain/money"
)

// ErrDeclined is returned when the gateway rejects a charge outright.
var ErrDeclined = errors.New("gateway declined the charge")

// Transaction is the gateway's confirmation of a money movement.
type Transaction struct {
	ID     string      `json:"id"`
	Amount money.Cents `json:"amount"`
	Status string      `json:"status"`
}

// ChargeRequest describes a charge or refund to execute.
type ChargeRequest struct {
	Amount         money.Cents `json:"amount"`
	PaymentMethod  string      `json:"payment_method"`
	IdempotencyKey string      `json:"idempotency_key"`
	Description    string      `json:"description,omitempty"`
}

// Client is the payment gateway boundary.
type Client interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Transaction, error)
	CaptureCharge(ctx context.Context, transactionID string) (*Transaction, error)
	RefundCharge(ctx context.Context, transactionID string, amount money.Cents) (*Transaction, error)
	StartTransfer(ctx context.Context, destination string, amount money.Cents) (*Transaction, error)
}

// ---------------------------------------------------------------------------
// HTTP implementation
// ---------------------------------------------------------------------------

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *HTTPClient) { g.httpClient = c }
}

// HTTPClient talks JSON to the payment processor.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTPClient with sensible defaults.
func NewHTTPClient(baseURL, apiKey string, opts ...Option) *HTTPClient {
	g := &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *HTTPClient) post(ctx context.Context, path string, body interface{}) (*Transaction, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return nil, ErrDeclined
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway call %s: unexpected status %d", path, resp.StatusCode)
	}

	var txn Transaction
	if err := json.NewDecoder(resp.Body).Decode(&txn); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if txn.ID == "" {
		return nil, fmt.Errorf("gateway call %s: confirmation missing transaction id", path)
	}
	return &txn, nil
}

func (g *HTTPClient) CreateCharge(ctx context.Context, req ChargeRequest) (*Transaction, error) {
	return g.post(ctx, "/v1/charges", req)
}

func (g *HTTPClient) CaptureCharge(ctx context.Context, transactionID string) (*Transaction, error) {
	return g.post(ctx, "/v1/charges/"+transactionID+"/capture", nil)
}

func (g *HTTPClient) RefundCharge(ctx context.Context, transactionID string, amount money.Cents) (*Transaction, error) {
	return g.post(ctx, "/v1/refunds", map[string]interface{}{
		"charge": transactionID,
		"amount": amount,
	})
}

func (g *HTTPClient) StartTransfer(ctx context.Context, destination string, amount money.Cents) (*Transaction, error) {
	return g.post(ctx, "/v1/transfers", map[string]interface{}{
		"destination": destination,
		"amount":      amount,
	})
}

// ---------------------------------------------------------------------------
// Scripted fake
// ---------------------------------------------------------------------------

// FakeCall records one invocation against the fake gateway.
type FakeCall struct {
	Op     string
	Ref    string
	Amount money.Cents
}

// FakeClient is an in-memory gateway for tests. Each operation succeeds with
// a deterministic transaction id unless an error has been scripted.
type FakeClient struct {
	mu    sync.Mutex
	seq   int
	errs  []error
	Calls []FakeCall
}

// NewFakeClient returns an empty FakeClient.
func NewFakeClient() *FakeClient { return &FakeClient{} }

// ScriptError queues err to be returned by the next operation.
func (f *FakeClient) ScriptError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *FakeClient) next(op, ref string, amount money.Cents) (*Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, FakeCall{Op: op, Ref: ref, Amount: amount})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	f.seq++
	return &Transaction{
		ID:     fmt.Sprintf("txn_%06d", f.seq),
		Amount: amount,
		Status: "succeeded",
	}, nil
}

func (f *FakeClient) CreateCharge(_ context.Context, req ChargeRequest) (*Transaction, error) {
	return f.next("create_charge", req.IdempotencyKey, req.Amount)
}

func (f *FakeClient) CaptureCharge(_ context.Context, transactionID string) (*Transaction, error) {
	return f.next("capture_charge", transactionID, 0)
}

func (f *FakeClient) RefundCharge(_ context.Context, transactionID string, amount money.Cents) (*Transaction, error) {
	return f.next("refund_charge", transactionID, amount)
}

func (f *FakeClient) StartTransfer(_ context.Context, destination string, amount money.Cents) (*Transaction, error) {
	return f.next("start_transfer", destination, amount)
}
