package activities

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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"money-transfer/internal/domain"
	"money-transfer/internal/logging"
)

// Client talks to the ledger service. Business errors come back as the
// matching domain sentinel; network failures and 5xx responses wrap
// domain.ErrTransient and count against the circuit breaker.
type Client struct {
	base string
	hc   *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = logging.OrNop(l) }
}

// BreakerSettings are the circuit breaker parameters for the ledger service.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	MaxRequests         uint32
}

func WithBreaker(s BreakerSettings) ClientOption {
	return func(c *Client) { c.cb = c.newBreaker(s) }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 5 * time.Second},
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cb == nil {
		c.cb = c.newBreaker(BreakerSettings{})
	}
	return c
}

func (c *Client) newBreaker(s BreakerSettings) *gobreaker.CircuitBreaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: s.MaxRequests,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Only transport trouble trips the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrTransient)
		},
	})
}

func (c *Client) Withdraw(ctx context.Context, account string, amount int64, idempotencyKey string) (string, error) {
	return c.mutate(ctx, account, "withdraw", amount, idempotencyKey)
}

func (c *Client) Deposit(ctx context.Context, account string, amount int64, idempotencyKey string) (string, error) {
	return c.mutate(ctx, account, "deposit", amount, idempotencyKey)
}

func (c *Client) mutate(ctx context.Context, account, op string, amount int64, key string) (string, error) {
	var out domain.MutationResponse
	err := c.do(ctx, http.MethodPost, accountPath(account, op),
		domain.MutationRequest{Amount: amount, IdempotencyKey: key}, &out)
	if err != nil {
		return "", err
	}
	return out.TransactionID, nil
}

func (c *Client) Balance(ctx context.Context, account string) (int64, error) {
	var out domain.BalanceResponse
	if err := c.do(ctx, http.MethodGet, accountPath(account, "balance"), nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *Client) Status(ctx context.Context, account string) (domain.AccountStatus, error) {
	var out domain.StatusResponse
	if err := c.do(ctx, http.MethodGet, accountPath(account, "status"), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) SetStatus(ctx context.Context, account string, status domain.AccountStatus) error {
	return c.do(ctx, http.MethodPut, accountPath(account, "status"),
		domain.StatusRequest{Status: string(status)}, nil)
}

func (c *Client) CreateAccount(ctx context.Context, name string, initialBalance int64) (domain.Account, error) {
	var out domain.Account
	err := c.do(ctx, http.MethodPost, "/v1/accounts",
		domain.CreateAccountRequest{Name: name, InitialBalance: initialBalance}, &out)
	return out, err
}

func accountPath(account, leaf string) string {
	return "/v1/accounts/" + url.PathEscape(account) + "/" + leaf
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: ledger service unavailable: %v", domain.ErrTransient, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %v", domain.ErrTransient, method, path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, out)
	}

	var e domain.ErrorResponse
	_ = json.Unmarshal(raw, &e)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s %s: %d %s", domain.ErrTransient, method, path, resp.StatusCode, e.Error)
	}
	if sentinel := domain.ErrForCode(e.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, e.Error)
	}
	return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
}
