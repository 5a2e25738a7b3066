// Package lnurl resolves Lightning addresses (user@domain.com) into payable
// BOLT11 invoices via the LNURL-pay flow.
//
// Reference: https://github.com/lnurl/luds
package lnurl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PayData is the subset of an LNURL payRequest the payout path needs.
type PayData struct {
	CallbackURL string
	MinSendable uint64 // millisatoshi
	MaxSendable uint64 // millisatoshi
}

// Client resolves Lightning addresses and requests invoices.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Resolve turns a Lightning address into its LNURL-pay endpoint URL.
func Resolve(address string) (string, error) {
	address = strings.TrimPrefix(address, "lightning:")

	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid Lightning address %q (expected user@domain.com)", address)
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], parts[0]), nil
}

type payRequestResponse struct {
	Tag         string `json:"tag"`
	Callback    string `json:"callback"`
	MinSendable uint64 `json:"minSendable"`
	MaxSendable uint64 `json:"maxSendable"`
	Reason      string `json:"reason"`
}

// PayData fetches the payRequest data for a Lightning address.
func (c *Client) PayData(ctx context.Context, address string) (*PayData, error) {
	endpoint, err := Resolve(address)
	if err != nil {
		return nil, err
	}

	var resp payRequestResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch LNURL data: %w", err)
	}

	if resp.Tag != "payRequest" {
		return nil, fmt.Errorf("invalid LNURL tag: expected %q, got %q", "payRequest", resp.Tag)
	}
	if resp.Callback == "" {
		return nil, fmt.Errorf("invalid LNURL payRequest: missing callback URL")
	}

	data := &PayData{
		CallbackURL: resp.Callback,
		MinSendable: resp.MinSendable,
		MaxSendable: resp.MaxSendable,
	}
	if data.MinSendable == 0 {
		data.MinSendable = 1000 // 1 sat
	}
	if data.MaxSendable == 0 {
		data.MaxSendable = 1_000_000_000_000
	}
	return data, nil
}

type invoiceResponse struct {
	PR     string `json:"pr"`
	Reason string `json:"reason"`
}

// Invoice requests a BOLT11 invoice for the given amount from an LNURL
// callback.
func (c *Client) Invoice(ctx context.Context, callbackURL string, amountMsat uint64) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %w", err)
	}
	q := u.Query()
	q.Set("amount", fmt.Sprintf("%d", amountMsat))
	u.RawQuery = q.Encode()

	var resp invoiceResponse
	if err := c.getJSON(ctx, u.String(), &resp); err != nil {
		return "", fmt.Errorf("failed to request invoice: %w", err)
	}

	if resp.PR == "" {
		if resp.Reason != "" {
			return "", fmt.Errorf("LNURL error: %s", resp.Reason)
		}
		return "", fmt.Errorf("invalid LNURL invoice response")
	}
	return resp.PR, nil
}

// EstimateFee estimates the Lightning routing fee for an amount: feePpm
// parts per million with a 2 sat floor.
func EstimateFee(amountSats uint64, feePpm uint64) uint64 {
	fee := (amountSats*feePpm + 999_999) / 1_000_000
	if fee < 2 {
		fee = 2
	}
	return fee
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}
