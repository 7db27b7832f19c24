package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"

	"maplebill/internal/types"
)

// processorAPIBase is the default Stripe API base URL. Overridable in tests
// via ProcessorClientConfig.BaseURL.
const processorAPIBase = "https://api.stripe.com"

// PaymentProcessor is the engine's view of the payment processor. Amounts
// are integer cents; currency is always CAD.
type PaymentProcessor interface {
	// EnsureCustomer returns the processor customer reference for an
	// account, creating the customer on first use.
	EnsureCustomer(ctx context.Context, accountID, email string) (string, error)

	// Charge attempts a payment against the customer's default method.
	// A decline is a successful call with Success=false; a returned error
	// means the outcome is unknown and the caller must not record a failure.
	Charge(ctx context.Context, customerRef string, amount types.Cents, description, idempotencyKey string) (types.ChargeResult, error)

	// Refund reverses a prior charge in full and returns the refund
	// reference.
	Refund(ctx context.Context, paymentRef, idempotencyKey string) (string, error)
}

// ProcessorClientConfig holds the configuration for a ProcessorClient.
type ProcessorClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // override for tests; defaults to processorAPIBase
	Logger    *slog.Logger
}

// ProcessorClient implements PaymentProcessor by calling the Stripe REST API
// through BaseClient, so every call inherits the circuit breaker and retry
// behavior and tests run against httptest servers.
type ProcessorClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewProcessorClient creates a ProcessorClient. The httpClient should carry
// a timeout of 20 seconds or less so an unresponsive processor cannot pin
// request handlers.
func NewProcessorClient(httpClient *http.Client, cfg ProcessorClientConfig) *ProcessorClient {
	return NewProcessorClientWithBase(
		NewBaseClient(httpClient, "payment-processor", DefaultRetryPolicy(), "MapleBill/1.0"),
		cfg,
	)
}

// NewProcessorClientWithBase creates a ProcessorClient over a pre-configured
// BaseClient. Used by tests to control retry and breaker behavior.
func NewProcessorClientWithBase(base *BaseClient, cfg ProcessorClientConfig) *ProcessorClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = processorAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessorClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// EnsureCustomer finds or creates the processor customer for an account.
// Search-first keeps retried signups from minting duplicate customers.
func (p *ProcessorClient) EnsureCustomer(ctx context.Context, accountID, email string) (string, error) {
	params := url.Values{}
	params.Set("query", fmt.Sprintf("metadata['account_id']:'%s'", accountID))

	searchResp, err := p.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", p.wrapTransportError("EnsureCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", p.handleErrorResponse(searchResp, "EnsureCustomer.search")
	}

	var searchResult processorCustomerList
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode customer search response", err)
	}
	if len(searchResult.Data) > 0 {
		return searchResult.Data[0].ID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[account_id]", accountID)

	createResp, err := p.doPost(ctx, "/v1/customers", createParams, "")
	if err != nil {
		return "", p.wrapTransportError("EnsureCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", p.handleErrorResponse(createResp, "EnsureCustomer.create")
	}

	var customer processorCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode customer creation response", err)
	}
	return customer.ID, nil
}

// Charge creates and confirms a payment intent for the tax-inclusive total.
// The idempotency key makes retried calls settle on one charge.
func (p *ProcessorClient) Charge(ctx context.Context, customerRef string, amount types.Cents, description, idempotencyKey string) (types.ChargeResult, error) {
	params := url.Values{}
	params.Set("amount", fmt.Sprintf("%d", amount))
	params.Set("currency", "cad")
	params.Set("customer", customerRef)
	params.Set("description", description)
	params.Set("confirm", "true")
	params.Set("off_session", "true")

	resp, err := p.doPost(ctx, "/v1/payment_intents", params, idempotencyKey)
	if err != nil {
		// Transport failure or timeout: outcome UNKNOWN. The caller rolls
		// back and surfaces a retryable error; the idempotency key protects
		// the retry from double-charging.
		return types.ChargeResult{}, p.wrapTransportError("Charge", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var intent processorPaymentIntent
		if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
			return types.ChargeResult{}, types.NewAppError(types.ErrCodeInternalUnexpected,
				"failed to decode payment intent response", err)
		}
		if intent.Status != "succeeded" {
			return types.ChargeResult{
				ExternalRef:   intent.ID,
				FailureReason: intent.Status,
			}, nil
		}
		return types.ChargeResult{Success: true, ExternalRef: intent.ID}, nil
	}

	// A decline comes back as a 402 with a card error body. That is a
	// definitive outcome, not an upstream failure.
	procErr, mapErr := p.readErrorBody(resp, "Charge")
	if mapErr != nil {
		return types.ChargeResult{}, mapErr
	}
	if procErr.isDecline() {
		p.logger.InfoContext(ctx, "charge declined",
			"customer_ref", customerRef,
			"decline_code", procErr.DeclineCode,
		)
		return types.ChargeResult{
			FailureReason: procErr.declineReason(),
		}, nil
	}
	return types.ChargeResult{}, p.mapProcessorError("Charge", resp.StatusCode, procErr)
}

// Refund reverses a payment intent in full.
func (p *ProcessorClient) Refund(ctx context.Context, paymentRef, idempotencyKey string) (string, error) {
	params := url.Values{}
	params.Set("payment_intent", paymentRef)

	resp, err := p.doPost(ctx, "/v1/refunds", params, idempotencyKey)
	if err != nil {
		return "", p.wrapTransportError("Refund", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", p.handleErrorResponse(resp, "Refund")
	}

	var refund processorRefund
	if err := json.NewDecoder(resp.Body).Decode(&refund); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode refund response", err)
	}
	return refund.ID, nil
}

// --- HTTP helpers ---

func (p *ProcessorClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := p.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	p.setAuthHeaders(req, "")
	return p.base.Do(req)
}

func (p *ProcessorClient) doPost(ctx context.Context, path string, params url.Values, idempotencyKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	p.setAuthHeaders(req, idempotencyKey)
	return p.base.Do(req)
}

func (p *ProcessorClient) setAuthHeaders(req *http.Request, idempotencyKey string) {
	req.Header.Set("Authorization", "Bearer "+p.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}

// --- error handling ---

type processorErrorResponse struct {
	Error processorErrorBody `json:"error"`
}

type processorErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

func (e *processorErrorBody) isDecline() bool {
	return e.Code == "card_declined" || e.DeclineCode != ""
}

func (e *processorErrorBody) declineReason() string {
	if e.DeclineCode != "" {
		return e.DeclineCode
	}
	return e.Code
}

func (p *ProcessorClient) readErrorBody(resp *http.Response, operation string) (*processorErrorBody, error) {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProcessor,
			fmt.Sprintf("%s: processor returned status %d with unreadable body", operation, resp.StatusCode),
			readErr)
	}
	var procErr processorErrorResponse
	if jsonErr := json.Unmarshal(body, &procErr); jsonErr != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamProcessor,
			fmt.Sprintf("%s: processor returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr)
	}
	return &procErr.Error, nil
}

func (p *ProcessorClient) handleErrorResponse(resp *http.Response, operation string) error {
	procErr, err := p.readErrorBody(resp, operation)
	if err != nil {
		return err
	}
	return p.mapProcessorError(operation, resp.StatusCode, procErr)
}

func (p *ProcessorClient) mapProcessorError(operation string, statusCode int, procErr *processorErrorBody) error {
	if procErr.isDecline() {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, procErr.Message),
			nil,
			map[string]any{
				"decline_code":   procErr.DeclineCode,
				"processor_code": procErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: processor rate limit exceeded", operation), nil)
	case statusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamProcessor,
			fmt.Sprintf("%s: processor server error: %s", operation, procErr.Message), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamProcessor,
			fmt.Sprintf("%s: processor error (%d): %s", operation, statusCode, procErr.Message), nil)
	}
}

func (p *ProcessorClient) wrapTransportError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamProcessor,
		fmt.Sprintf("%s: processor request failed: %v", operation, err), err)
}

// --- processor response types ---

type processorCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type processorCustomerList struct {
	Data []processorCustomer `json:"data"`
}

type processorPaymentIntent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

type processorRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
