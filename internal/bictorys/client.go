// Package bictorys integrates the Bictorys hosted-checkout API: charge
// creation, charge lookup, and the payment-reference format shared with
// the webhook receiver.
//
// Every call is a soft failure from the caller's point of view: the
// client returns an error, the handler logs it and tells the user to
// retry later. Payments are never blocked on a provider hiccup.
package bictorys

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SandboxBaseURL is the Bictorys test environment.
const SandboxBaseURL = "https://api.test.bictorys.com"

const defaultTimeout = 15 * time.Second

// ErrNotConfigured is returned when the public API key is missing.
var ErrNotConfigured = errors.New("clé publique Bictorys non configurée")

// Config wires a checkout client.
type Config struct {
	BaseURL         string
	APIKey          string        // public key, sent as X-API-Key
	ReferencePrefix string        // e.g. "BWHITE_PAY"
	Timeout         time.Duration // defaults to 15s

	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
}

// Client talks to the Bictorys checkout API. Safe for concurrent use.
type Client struct {
	baseURL   string
	apiKey    string
	refPrefix string
	httpc     *http.Client
}

func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = SandboxBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		refPrefix: cfg.ReferencePrefix,
		httpc:     httpc,
	}
}

// PaymentReference derives the deterministic reference sent to the
// provider and echoed back in the webhook, e.g. "BWHITE_PAY_42".
func (c *Client) PaymentReference(settlementID int64) string {
	return fmt.Sprintf("%s_%d", c.refPrefix, settlementID)
}

// ParseReference extracts the settlement id from a webhook payment
// reference. Fails on a foreign prefix or a non-numeric suffix.
func (c *Client) ParseReference(ref string) (int64, error) {
	prefix := c.refPrefix + "_"
	if !strings.HasPrefix(ref, prefix) {
		return 0, fmt.Errorf("référence étrangère: %q", ref)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(ref, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("référence illisible: %q", ref)
	}
	return id, nil
}

// ChargeParams describes one hosted-checkout charge.
type ChargeParams struct {
	SettlementID int64
	Amount       decimal.Decimal // XOF, rounded to a whole count on the wire
	SuccessURL   string
	ErrorURL     string

	CustomerName  string
	CustomerPhone string // local numbers get the +221 prefix
	CustomerEmail string

	// PaymentType pins the checkout page to one method ("card",
	// "orange_money", ...). Empty lets the customer choose.
	PaymentType string

	MerchantReference   string
	AllowUpdateCustomer bool
}

// Charge is the provider's answer to a charge creation: where to send
// the customer, and the identifiers needed to read the charge back.
type Charge struct {
	ID         string
	OpToken    string
	PaymentURL string
	Raw        map[string]any
}

// CreateCharge posts a charge and extracts the checkout URL. The
// provider has shipped the URL under several field names over time, so
// extraction tries them all.
func (c *Client) CreateCharge(ctx context.Context, p ChargeParams) (*Charge, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	amount := p.Amount.Round(0).IntPart()
	if amount <= 0 {
		return nil, fmt.Errorf("montant invalide pour le règlement #%d: %s", p.SettlementID, p.Amount)
	}

	body := map[string]any{
		"amount":           amount,
		"currency":         "XOF",
		"country":          "SN",
		"paymentReference": c.PaymentReference(p.SettlementID),
	}
	if p.SuccessURL != "" {
		body["successRedirectUrl"] = p.SuccessURL
		body["errorRedirectUrl"] = p.SuccessURL
	}
	if p.ErrorURL != "" {
		body["errorRedirectUrl"] = p.ErrorURL
	}
	if p.MerchantReference != "" {
		body["merchantReference"] = p.MerchantReference
	}
	if p.AllowUpdateCustomer {
		body["allowUpdateCustomer"] = true
	}
	if customer := customerObject(p); len(customer) > 0 {
		body["customerObject"] = customer
	}

	u := c.baseURL + "/pay/v1/charges"
	if p.PaymentType != "" {
		u += "?payment_type=" + p.PaymentType
	}

	payload, err := c.post(ctx, u, body)
	if err != nil {
		return nil, err
	}

	paymentURL := firstString(payload, "link", "redirectUrl", "checkoutUrl", "url")
	checkout := subObject(payload, "checkoutLinkObject")
	if paymentURL == "" {
		paymentURL = firstString(checkout, "link")
	}
	if paymentURL == "" {
		log.Printf("[bictorys] réponse /charges sans URL de paiement | %v", payload)
		return nil, fmt.Errorf("réponse Bictorys sans URL de paiement")
	}

	opToken := firstString(payload, "opToken")
	if opToken == "" {
		opToken = firstString(checkout, "opToken")
	}

	return &Charge{
		ID:         firstString(payload, "id", "chargeId"),
		OpToken:    opToken,
		PaymentURL: paymentURL,
		Raw:        payload,
	}, nil
}

// GetCharge reads a charge back. Both the charge id and the opToken
// from creation are required.
func (c *Client) GetCharge(ctx context.Context, chargeID, opToken string) (map[string]any, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if chargeID == "" || opToken == "" {
		return nil, fmt.Errorf("chargeId ou opToken manquant")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pay/v1/charges/"+chargeID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Op-Token", opToken)

	return c.do(req)
}

func (c *Client) post(ctx context.Context, u string, body map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	return c.do(req)
}

func (c *Client) do(req *http.Request) (map[string]any, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		log.Printf("[bictorys] erreur réseau %s | %v", req.URL.Path, err)
		return nil, fmt.Errorf("erreur réseau Bictorys: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lecture réponse Bictorys: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("[bictorys] HTTP %d %s | %s", resp.StatusCode, req.URL.Path, preview(raw))
		return nil, fmt.Errorf("erreur Bictorys HTTP %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("[bictorys] réponse non JSON %s | %s", req.URL.Path, preview(raw))
		return nil, fmt.Errorf("réponse Bictorys illisible: %w", err)
	}
	return payload, nil
}

func customerObject(p ChargeParams) map[string]any {
	customer := map[string]any{}
	if name := strings.TrimSpace(p.CustomerName); name != "" {
		customer["name"] = name
	}
	if phone := strings.TrimSpace(p.CustomerPhone); phone != "" {
		if !strings.HasPrefix(phone, "+") {
			phone = "+221" + phone
		}
		customer["phone"] = phone
	}
	if email := strings.TrimSpace(p.CustomerEmail); email != "" {
		customer["email"] = email
	}
	return customer
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func subObject(m map[string]any, key string) map[string]any {
	if obj, ok := m[key].(map[string]any); ok {
		return obj
	}
	return nil
}

func preview(b []byte) string {
	const limit = 400
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "…"
	}
	return s
}
