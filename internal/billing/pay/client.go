package pay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"clubBack/internal/models"
)

type ClientConfig struct {
	// SecretKey authenticates API calls (Bearer).
	SecretKey string
	// WebhookSecret signs incoming webhook deliveries.
	WebhookSecret string
	// BaseURL of the provider API, e.g. https://api.stripe.com
	BaseURL   string
	Tolerance time.Duration

	Client *http.Client
	Logger *slog.Logger
	// Observe is called once per outbound request with its outcome.
	Observe func(operation string, err error)
	Now     func() time.Time
}

// Client talks to a Stripe-compatible billing API.
type Client struct {
	secretKey     string
	webhookSecret string
	baseURL       *url.URL
	tolerance     time.Duration

	httpClient *http.Client
	logger     *slog.Logger
	observe    func(string, error)
	now        func() time.Time
}

var _ Gateway = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" ||
		strings.TrimSpace(cfg.WebhookSecret) == "" ||
		strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("billing: secret_key/webhook_secret/base_url are required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	tolerance := cfg.Tolerance
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	observe := cfg.Observe
	if observe == nil {
		observe = func(string, error) {}
	}

	c := &Client{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       u,
		tolerance:     tolerance,
		httpClient:    client,
		logger:        logger,
		observe:       observe,
		now:           now,
	}
	logger.Info("billing gateway initialized",
		"baseURL", safeURL(c.baseURL),
		"tolerance", tolerance.String(),
	)
	return c, nil
}

type objectID struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (c *Client) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	form := url.Values{}
	if params.Email != "" {
		form.Set("email", params.Email)
	}
	if params.Name != "" {
		form.Set("name", params.Name)
	}
	if params.Phone != "" {
		form.Set("phone", params.Phone)
	}
	if params.ChildrenID > 0 {
		form.Set("metadata[children_id]", strconv.FormatInt(params.ChildrenID, 10))
	}

	var out objectID
	if err := c.post(ctx, "create_customer", "/v1/customers", form, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", errors.New("create customer: empty id")
	}
	return out.ID, nil
}

func (c *Client) CreateSubscription(ctx context.Context, params SubscriptionParams) (string, error) {
	if params.CustomerRef == "" || params.ProductRef == "" {
		return "", errors.New("create subscription: customer and product references are required")
	}
	form := url.Values{}
	form.Set("customer", params.CustomerRef)
	form.Set("items[0][price]", params.ProductRef)
	if params.ChildrenID > 0 {
		form.Set("metadata[children_id]", strconv.FormatInt(params.ChildrenID, 10))
	}
	if params.GroupID > 0 {
		form.Set("metadata[group_id]", strconv.FormatInt(params.GroupID, 10))
	}

	var out objectID
	if err := c.post(ctx, "create_subscription", "/v1/subscriptions", form, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", errors.New("create subscription: empty id")
	}
	return out.ID, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	if customerRef == "" {
		return "", errors.New("create portal session: customer reference is required")
	}
	form := url.Values{}
	form.Set("customer", customerRef)
	if returnURL != "" {
		form.Set("return_url", returnURL)
	}

	var out objectID
	if err := c.post(ctx, "create_portal_session", "/v1/billing_portal/sessions", form, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", errors.New("create portal session: empty url")
	}
	return out.URL, nil
}

// VerifyEvent authenticates a raw webhook body and decodes its envelope.
func (c *Client) VerifyEvent(payload []byte, signatureHeader string) (*models.Event, error) {
	if err := VerifySignatureHeader(payload, signatureHeader, c.webhookSecret, c.tolerance, c.now()); err != nil {
		c.logger.Warn("webhook signature rejected", "err", err)
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidSignature, err)
	}
	var evt models.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedEvent, err)
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return &evt, nil
}

func (c *Client) post(ctx context.Context, op, p string, form url.Values, out any) (err error) {
	defer func() { c.observe(op, err) }()
	logger := c.logger.With("op", op)

	endpoint := *c.baseURL
	endpoint.Path = path.Join(endpoint.Path, p)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("request failed", "err", err, "elapsed", time.Since(started).String())
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Error("provider rejected request", "status", resp.Status, "body", trim(string(b), 512))
		return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	logger.Debug("request ok", "status", resp.StatusCode, "elapsed", time.Since(started).String())
	return nil
}

func trim(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func safeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	return c.String()
}
