package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/platinummonkey/recurring/pkg/observability"
)

// Config holds processor client configuration
type Config struct {
	BaseURL        string
	APIKey         string
	WebhookSecret  string
	RequestTimeout time.Duration

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	SignatureTolerance time.Duration
}

const customerCacheSize = 1024

// HTTPClient implements Gateway against the processor's REST API
type HTTPClient struct {
	config    Config
	client    *http.Client
	customers *lru.Cache[string, *Customer]
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewHTTPClient creates a new processor client
func NewHTTPClient(config Config, logger *observability.Logger, metrics *observability.Metrics) (*HTTPClient, error) {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.RetryMaxAttempts <= 0 {
		config.RetryMaxAttempts = 3
	}
	if config.RetryInitialDelay <= 0 {
		config.RetryInitialDelay = 250 * time.Millisecond
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 5 * time.Second
	}
	if config.SignatureTolerance <= 0 {
		config.SignatureTolerance = 5 * time.Minute
	}

	cache, err := lru.New[string, *Customer](customerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer cache: %w", err)
	}

	return &HTTPClient{
		config: config,
		client: &http.Client{
			Timeout: config.RequestTimeout,
		},
		customers: cache,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// apiErrorBody is the processor's error envelope
type apiErrorBody struct {
	Error APIError `json:"error"`
}

// do performs one API call with bounded backoff on transient failures.
// 4xx responses are terminal; 5xx and transport errors are retried.
func (c *HTTPClient) do(ctx context.Context, operation, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", operation, err)
		}
	}

	var lastErr error
	delay := c.config.RetryInitialDelay

	for attempt := 1; attempt <= c.config.RetryMaxAttempts; attempt++ {
		if attempt > 1 {
			if c.metrics != nil {
				c.metrics.ProcessorRetriesTotal.Inc()
			}
			select {
			case <-ctx.Done():
				return &ProcessorUnavailableError{Operation: operation, Err: ctx.Err()}
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}
		}

		status, err := c.roundTrip(ctx, operation, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		// Only transport errors and 5xx are worth retrying
		if status >= 400 && status < 500 {
			return err
		}
	}

	return &ProcessorUnavailableError{Operation: operation, Err: lastErr}
}

func (c *HTTPClient) roundTrip(ctx context.Context, operation, method, path string, payload []byte, out interface{}) (int, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bodyReader)
	if err != nil {
		return 0, fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if c.metrics != nil {
		c.metrics.ProcessorRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.ProcessorRequestsTotal.WithLabelValues(operation, "transport_error").Inc()
		}
		return 0, fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.ProcessorRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
		return resp.StatusCode, nil
	}

	var envelope apiErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Message == "" {
		envelope.Error.Message = http.StatusText(resp.StatusCode)
	}
	envelope.Error.StatusCode = resp.StatusCode

	return resp.StatusCode, &envelope.Error
}

// CreateCustomer opens a processor-side customer record
func (c *HTTPClient) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*Customer, error) {
	params := map[string]interface{}{
		"email":    email,
		"name":     name,
		"metadata": metadata,
	}
	customer := &Customer{}
	if err := c.do(ctx, "create_customer", http.MethodPost, "/v1/customers", params, customer); err != nil {
		return nil, err
	}
	c.customers.Add(customer.ID, customer)
	return customer, nil
}

// GetCustomer fetches a customer, preferring the local LRU cache
func (c *HTTPClient) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	if customer, ok := c.customers.Get(id); ok {
		return customer, nil
	}
	customer := &Customer{}
	if err := c.do(ctx, "get_customer", http.MethodGet, "/v1/customers/"+id, nil, customer); err != nil {
		return nil, err
	}
	c.customers.Add(customer.ID, customer)
	return customer, nil
}

// CreateSubscription opens a remote subscription
func (c *HTTPClient) CreateSubscription(ctx context.Context, params *CreateSubscriptionParams) (*Subscription, error) {
	sub := &Subscription{}
	if err := c.do(ctx, "create_subscription", http.MethodPost, "/v1/subscriptions", params, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// CancelSubscription cancels a remote subscription, either immediately or
// at the period boundary
func (c *HTTPClient) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*Subscription, error) {
	sub := &Subscription{}
	if atPeriodEnd {
		params := map[string]bool{"cancel_at_period_end": true}
		if err := c.do(ctx, "update_subscription", http.MethodPost, "/v1/subscriptions/"+id, params, sub); err != nil {
			return nil, err
		}
		return sub, nil
	}
	if err := c.do(ctx, "cancel_subscription", http.MethodDelete, "/v1/subscriptions/"+id, nil, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ResumeSubscription clears a pending cancel-at-period-end
func (c *HTTPClient) ResumeSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := map[string]bool{"cancel_at_period_end": false}
	sub := &Subscription{}
	if err := c.do(ctx, "update_subscription", http.MethodPost, "/v1/subscriptions/"+id, params, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetInvoice fetches an invoice by its processor id
func (c *HTTPClient) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	invoice := &Invoice{}
	if err := c.do(ctx, "get_invoice", http.MethodGet, "/v1/invoices/"+id, nil, invoice); err != nil {
		return nil, err
	}
	return invoice, nil
}

// UpcomingInvoice fetches the forward-looking invoice estimate for a
// customer. Never persisted locally.
func (c *HTTPClient) UpcomingInvoice(ctx context.Context, customerID string) (*Invoice, error) {
	invoice := &Invoice{}
	if err := c.do(ctx, "upcoming_invoice", http.MethodGet, "/v1/invoices/upcoming?customer="+customerID, nil, invoice); err != nil {
		return nil, err
	}
	return invoice, nil
}

// PayInvoice asks the processor to retry the charge for an open invoice
func (c *HTTPClient) PayInvoice(ctx context.Context, id string) (*Invoice, error) {
	invoice := &Invoice{}
	if err := c.do(ctx, "pay_invoice", http.MethodPost, "/v1/invoices/"+id+"/pay", nil, invoice); err != nil {
		return nil, err
	}
	return invoice, nil
}

// CreateSetupIntent starts a payment method collection flow
func (c *HTTPClient) CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error) {
	params := map[string]string{"customer": customerID}
	intent := &SetupIntent{}
	if err := c.do(ctx, "create_setup_intent", http.MethodPost, "/v1/setup_intents", params, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// AttachPaymentMethod attaches a tokenized payment method to a customer
func (c *HTTPClient) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*PaymentMethod, error) {
	params := map[string]string{"customer": customerID}
	pm := &PaymentMethod{}
	if err := c.do(ctx, "attach_payment_method", http.MethodPost, "/v1/payment_methods/"+paymentMethodID+"/attach", params, pm); err != nil {
		return nil, err
	}
	return pm, nil
}

// DetachPaymentMethod detaches a payment method from its customer
func (c *HTTPClient) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	return c.do(ctx, "detach_payment_method", http.MethodPost, "/v1/payment_methods/"+paymentMethodID+"/detach", nil, nil)
}

// ListPaymentMethods lists payment methods attached to a customer
func (c *HTTPClient) ListPaymentMethods(ctx context.Context, customerID string) ([]*PaymentMethod, error) {
	var result struct {
		Data []*PaymentMethod `json:"data"`
	}
	if err := c.do(ctx, "list_payment_methods", http.MethodGet, "/v1/payment_methods?customer="+customerID, nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// SetDefaultPaymentMethod sets the customer's default charge instrument
func (c *HTTPClient) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	params := map[string]string{"default_payment_method": paymentMethodID}
	return c.do(ctx, "set_default_payment_method", http.MethodPost, "/v1/customers/"+customerID, params, nil)
}

// VerifySignature verifies a webhook signature over the exact raw payload bytes
func (c *HTTPClient) VerifySignature(payload []byte, signatureHeader string) error {
	return verifySignature(payload, signatureHeader, c.config.WebhookSecret, c.config.SignatureTolerance, time.Now())
}
