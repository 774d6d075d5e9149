package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"money-transfer/internal/domain"
)

// TransferClient calls the transfer service.
type TransferClient struct {
	base string
	hc   *http.Client
}

func NewTransferClient(baseURL string, hc *http.Client) *TransferClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &TransferClient{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

func (c *TransferClient) Submit(ctx context.Context, req domain.TransferRequest) (domain.SagaState, error) {
	var st domain.SagaState
	err := c.do(ctx, http.MethodPost, "/v1/transfers", req, &st)
	return st, err
}

func (c *TransferClient) Get(ctx context.Context, ref string) (domain.SagaState, error) {
	var st domain.SagaState
	err := c.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(ref), nil, &st)
	return st, err
}

func (c *TransferClient) Approve(ctx context.Context, ref, manager string) (domain.SagaState, error) {
	var st domain.SagaState
	err := c.do(ctx, http.MethodPost, "/v1/transfers/"+url.PathEscape(ref)+"/approve",
		domain.ApproveRequest{Manager: manager}, &st)
	return st, err
}

// Await polls until the transfer is terminal or ctx ends.
func (c *TransferClient) Await(ctx context.Context, ref string, every time.Duration) (domain.SagaState, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := c.Get(ctx, ref)
		if err != nil {
			return st, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *TransferClient) do(ctx context.Context, method, path string, in, out any) error {
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
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e domain.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if sentinel := domain.ErrForCode(e.Code); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, e.Error)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
