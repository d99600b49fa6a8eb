package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Faucet funds a fresh account on a test network.
type Faucet interface {
	Fund(ctx context.Context, address string) error
}

// HTTPFaucet calls the public XRPL test-network faucet.
type HTTPFaucet struct {
	url  string
	http *http.Client
}

func NewHTTPFaucet(url string, client *http.Client) *HTTPFaucet {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFaucet{url: url, http: client}
}

type faucetRequest struct {
	Destination string `json:"destination"`
	UserAgent   string `json:"userAgent,omitempty"`
}

type faucetResponse struct {
	Account struct {
		Address string `json:"address"`
	} `json:"account"`
	Amount json.Number `json:"amount"`
	Error  string      `json:"error"`
}

func (f *HTTPFaucet) Fund(ctx context.Context, address string) error {
	if f.url == "" {
		return errors.New("wallet: faucet url is not configured")
	}
	body, err := json.Marshal(faucetRequest{Destination: address, UserAgent: "jobescrow"})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("wallet: faucet request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("wallet: faucet returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var out faucetResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("wallet: decode faucet response: %w", err)
	}
	if out.Error != "" {
		return fmt.Errorf("wallet: faucet: %s", out.Error)
	}
	if out.Account.Address != "" && out.Account.Address != address {
		return fmt.Errorf("wallet: faucet funded %s, expected %s", out.Account.Address, address)
	}
	return nil
}
