// Package issuerdev is a small HTTP client for the issuer API, used by the
// cardgen CLI.
package issuerdev

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

	"github.com/jonanatree/cyberbank/issuer/models"
)

type Client struct {
	Base string
	HTTP *http.Client
}

func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: hc}
}

// Card is the issuer API card representation.
type Card struct {
	ID             string `json:"id"`
	AccountID      string `json:"account_id"`
	BIN            string `json:"bin"`
	Last4          string `json:"last4"`
	CardholderName string `json:"cardholder_name,omitempty"`
	Product        string `json:"product"`
	Status         string `json:"status"`
	ExpiryDate     string `json:"expiry_date"`
	CardFace       string `json:"card_face"`
}

// IssuedCard carries the one-time card number and CVV.
type IssuedCard struct {
	Card
	Number       string `json:"number"`
	MaskedNumber string `json:"masked_number"`
	CVV          string `json:"cvv"`
}

func (c *Client) IssueCard(ctx context.Context, req models.IssueCard) (*IssuedCard, error) {
	var out IssuedCard
	if err := c.post(ctx, "/cards", req, http.StatusCreated, &out); err != nil {
		return nil, fmt.Errorf("issue card: %w", err)
	}
	return &out, nil
}

func (c *Client) GetCard(ctx context.Context, cardID string) (*Card, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+"/cards/"+url.PathEscape(cardID), nil)
	if err != nil {
		return nil, err
	}
	var out Card
	if err := c.do(httpReq, http.StatusOK, &out); err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	return &out, nil
}

func (c *Client) VerifyCard(ctx context.Context, v models.Verification) (models.VerificationResult, error) {
	var out struct {
		Result models.VerificationResult `json:"result"`
	}
	if err := c.post(ctx, "/cards/verify", v, http.StatusOK, &out); err != nil {
		return "", fmt.Errorf("verify card: %w", err)
	}
	return out.Result, nil
}

func (c *Client) post(ctx context.Context, path string, body any, want int, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, want, out)
}

func (c *Client) do(req *http.Request, want int, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
