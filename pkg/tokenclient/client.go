/**
 * @description
 * Client for communicating with the token service that holds escrow custody balances.
 * Pledges pull funds from a backer with the custody account's allowance; payouts send
 * funds from custody.
 */
package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/transfa/crowdfunding-service/internal/app"
	"github.com/transfa/crowdfunding-service/internal/domain"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTokenNotFound     = errors.New("token not found")
)

// Client is a client for the token service.
type Client struct {
	baseURL    string
	apiKey     string
	custody    domain.Address
	httpClient *http.Client
}

// NewClient creates a new token service client acting for the custody account.
func NewClient(baseURL, apiKey string, custody domain.Address) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		custody:    custody,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type transferRequest struct {
	Spender domain.Address `json:"spender,omitempty"`
	From    domain.Address `json:"from"`
	To      domain.Address `json:"to"`
	Amount  int64          `json:"amount"`
}

// TransferFrom moves amount from owner into custody using custody's allowance.
func (c *Client) TransferFrom(ctx context.Context, token, owner domain.Address, amount int64) error {
	body := transferRequest{Spender: c.custody, From: owner, To: c.custody, Amount: amount}
	return c.do(ctx, http.MethodPost, c.tokenPath(token, "transfer-from"), body, nil)
}

// Transfer moves amount from custody to recipient.
func (c *Client) Transfer(ctx context.Context, token, to domain.Address, amount int64) error {
	body := transferRequest{From: c.custody, To: to, Amount: amount}
	return c.do(ctx, http.MethodPost, c.tokenPath(token, "transfer"), body, nil)
}

// BalanceOf returns account's balance of token.
func (c *Client) BalanceOf(ctx context.Context, token, account domain.Address) (int64, error) {
	var response struct {
		Balance int64 `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, c.tokenPath(token, "balances", string(account)), nil, &response); err != nil {
		return 0, err
	}
	return response.Balance, nil
}

// Allowance returns spender's allowance over owner's balance of token.
func (c *Client) Allowance(ctx context.Context, token, owner, spender domain.Address) (int64, error) {
	var response struct {
		Allowance int64 `json:"allowance"`
	}
	if err := c.do(ctx, http.MethodGet, c.tokenPath(token, "allowances", string(owner), string(spender)), nil, &response); err != nil {
		return 0, err
	}
	return response.Allowance, nil
}

// Token implements app.TokenResolver. Resolution is local; an unknown token surfaces
// on the first call as ErrTokenNotFound.
func (c *Client) Token(ctx context.Context, token domain.Address) (app.Token, error) {
	if token.IsZero() {
		return nil, ErrTokenNotFound
	}
	return &boundToken{client: c, token: token}, nil
}

func (c *Client) tokenPath(token domain.Address, parts ...string) string {
	segments := []string{"tokens", url.PathEscape(string(token))}
	for _, p := range parts {
		segments = append(segments, url.PathEscape(p))
	}
	return c.baseURL + "/" + strings.Join(segments, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	if c.apiKey == "" {
		return fmt.Errorf("token service internal api key is not configured")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Internal-API-Key", c.apiKey)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case resp.StatusCode == http.StatusNotFound:
		return ErrTokenNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("token service returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse token service response: %w", err)
	}
	return nil
}

// boundToken is the app.Token capability for one token identity.
type boundToken struct {
	client *Client
	token  domain.Address
}

func (t *boundToken) TransferIn(ctx context.Context, from domain.Address, amount int64) error {
	return t.client.TransferFrom(ctx, t.token, from, amount)
}

func (t *boundToken) TransferOut(ctx context.Context, to domain.Address, amount int64) error {
	return t.client.Transfer(ctx, t.token, to, amount)
}

func (t *boundToken) BalanceOf(ctx context.Context, account domain.Address) (int64, error) {
	return t.client.BalanceOf(ctx, t.token, account)
}

func (t *boundToken) Allowance(ctx context.Context, owner, spender domain.Address) (int64, error) {
	return t.client.Allowance(ctx, t.token, owner, spender)
}
