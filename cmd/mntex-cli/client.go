package main

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

	"github.com/pkg/errors"

	"github.com/uhyunpark/mntex/pkg/api"
)

// client is a thin JSON client for the exchange's /api/v1 surface.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(base, "/") + "/api/v1",
		http: &http.Client{Timeout: timeout},
	}
}

// apiError carries the status and decoded body of a non-2xx reply.
type apiError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Body.Error, e.Body.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Body.Error)
}

func (c *client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		e := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&e.Body); err != nil {
			e.Body.Error = http.StatusText(resp.StatusCode)
		}
		return e
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

func (c *client) SubmitOrder(ctx context.Context, req api.SubmitOrderRequest) (api.SubmitOrderResponse, error) {
	var out api.SubmitOrderResponse
	return out, c.do(ctx, http.MethodPost, "/orders", req, &out)
}

func (c *client) CancelOrder(ctx context.Context, id string) (api.OrderInfo, error) {
	var out api.OrderInfo
	return out, c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(id), nil, &out)
}

func (c *client) Quote(ctx context.Context, symbol string) (api.QuoteInfo, error) {
	var out api.QuoteInfo
	return out, c.do(ctx, http.MethodGet, "/quotes/"+url.PathEscape(symbol), nil, &out)
}

func (c *client) Depth(ctx context.Context, symbol string, levels int) (api.DepthSnapshot, error) {
	var out api.DepthSnapshot
	path := fmt.Sprintf("/markets/%s/depth?levels=%d", url.PathEscape(symbol), levels)
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *client) Account(ctx context.Context, owner string) (api.AccountInfo, error) {
	var out api.AccountInfo
	return out, c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(owner), nil, &out)
}

func (c *client) Deposit(ctx context.Context, owner string, amount api.AmountRequest) (api.BalanceResponse, error) {
	var out api.BalanceResponse
	return out, c.do(ctx, http.MethodPost, "/accounts/"+url.PathEscape(owner)+"/deposit", amount, &out)
}

func (c *client) Withdraw(ctx context.Context, owner string, amount api.AmountRequest) (api.BalanceResponse, error) {
	var out api.BalanceResponse
	return out, c.do(ctx, http.MethodPost, "/accounts/"+url.PathEscape(owner)+"/withdraw", amount, &out)
}

func (c *client) OpenPosition(ctx context.Context, owner string, req api.OpenPositionRequest) (api.PositionInfo, error) {
	var out api.PositionInfo
	return out, c.do(ctx, http.MethodPost, "/accounts/"+url.PathEscape(owner)+"/positions", req, &out)
}

func (c *client) ClosePosition(ctx context.Context, owner, symbol string) (api.SettlementInfo, error) {
	var out api.SettlementInfo
	path := "/accounts/" + url.PathEscape(owner) + "/positions/" + url.PathEscape(symbol)
	return out, c.do(ctx, http.MethodDelete, path, nil, &out)
}
