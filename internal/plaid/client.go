package plaid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/finsync/finsync/internal/logger"
)

// DateLayout is the date format used by the API
const DateLayout = "2006-01-02"

const (
	sandboxURL    = "https://sandbox.plaid.com"
	productionURL = "https://production.plaid.com"
)

// BaseURL returns the API host for an environment name
func BaseURL(env string) (string, error) {
	switch strings.ToLower(env) {
	case "sandbox":
		return sandboxURL, nil
	case "production":
		return productionURL, nil
	default:
		return "", fmt.Errorf("unknown Plaid environment %q", env)
	}
}

// RetryPolicy controls retries of rate-limited and server-side failures.
// Attempts counts the first try.
type RetryPolicy struct {
	Attempts int
	MinWait  time.Duration
	MaxWait  time.Duration
}

// ClientConfig is everything needed to build a Client
type ClientConfig struct {
	BaseURL    string
	ClientID   string
	Secret     string
	HTTPClient *http.Client
	Retry      RetryPolicy
	Logger     logger.Logger
}

// Client talks to the Plaid REST API
type Client struct {
	baseURL  string
	clientID string
	secret   string
	http     *http.Client
	retry    RetryPolicy
	log      logger.Logger
}

// NewClient creates a new API client
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	retry := cfg.Retry
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		secret:   cfg.Secret,
		http:     httpClient,
		retry:    retry,
		log:      log,
	}
}

// CreateLinkToken creates a short-lived token for initializing Link
func (c *Client) CreateLinkToken(ctx context.Context, req LinkTokenRequest) (string, error) {
	var resp linkTokenCreateResponse
	err := c.call(ctx, "/link/token/create", linkTokenCreateRequest{
		ClientName:   req.ClientName,
		User:         linkTokenUser{ClientUserID: req.ClientUserID},
		Products:     req.Products,
		CountryCodes: req.CountryCodes,
		Language:     req.Language,
		RedirectURI:  req.RedirectURI,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.LinkToken, nil
}

// ExchangePublicToken trades a Link public token for an access token
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*Exchange, error) {
	var resp Exchange
	if err := c.call(ctx, "/item/public_token/exchange", publicTokenExchangeRequest{PublicToken: publicToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetItem returns the item behind an access token
func (c *Client) GetItem(ctx context.Context, accessToken string) (*Item, error) {
	var resp itemGetResponse
	if err := c.call(ctx, "/item/get", accessTokenRequest{AccessToken: accessToken}, &resp); err != nil {
		return nil, err
	}
	return &resp.Item, nil
}

// GetInstitution looks up an institution by id
func (c *Client) GetInstitution(ctx context.Context, institutionID string, countryCodes []string) (*Institution, error) {
	var resp institutionGetByIDResponse
	err := c.call(ctx, "/institutions/get_by_id", institutionGetByIDRequest{
		InstitutionID: institutionID,
		CountryCodes:  countryCodes,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Institution, nil
}

// GetAccounts lists the accounts and balances of an item
func (c *Client) GetAccounts(ctx context.Context, accessToken string) ([]Account, error) {
	var resp accountsGetResponse
	if err := c.call(ctx, "/accounts/get", accessTokenRequest{AccessToken: accessToken}, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// GetTransactions fetches one page of transactions between start and end,
// both inclusive.
func (c *Client) GetTransactions(ctx context.Context, accessToken string, start, end time.Time, count, offset int) (*TransactionsPage, error) {
	var resp TransactionsPage
	err := c.call(ctx, "/transactions/get", transactionsGetRequest{
		AccessToken: accessToken,
		StartDate:   start.Format(DateLayout),
		EndDate:     end.Format(DateLayout),
		Options:     transactionsGetOptions{Count: count, Offset: offset},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// call posts body to path, retrying on retryable API errors with exponential
// backoff between RetryPolicy.MinWait and RetryPolicy.MaxWait.
func (c *Client) call(ctx context.Context, path string, body, out interface{}) error {
	payload, err := c.encode(body)
	if err != nil {
		return err
	}

	var wait time.Duration
	for attempt := 1; ; attempt++ {
		err = c.do(ctx, path, payload, out)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt >= c.retry.Attempts {
			return err
		}

		wait = computeBackoff(wait, c.retry)
		c.log.Warnf("Plaid %s failed (attempt %d/%d), retrying in %s: %v", path, attempt, c.retry.Attempts, wait, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// encode merges the credentials into the request body
func (c *Client) encode(body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}
	fields["client_id"], _ = json.Marshal(c.clientID)
	fields["secret"], _ = json.Marshal(c.secret)
	return json.Marshal(fields)
}

func (c *Client) do(ctx context.Context, path string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s response", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{}
		_ = json.Unmarshal(data, apiErr)
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", path)
	}
	return nil
}

// computeBackoff doubles the previous wait, clamped to the policy bounds.
func computeBackoff(previous time.Duration, policy RetryPolicy) time.Duration {
	next := previous * 2
	if next < policy.MinWait {
		next = policy.MinWait
	}
	if policy.MaxWait > 0 && next > policy.MaxWait {
		next = policy.MaxWait
	}
	return next
}
