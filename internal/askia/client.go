// Package askia wraps the Askia insurer REST API: premium simulation,
// client creation, contract issuance and renewal, document retrieval
// and the reference tables behind the quote forms.
//
// The client is constructed once in the composition root and injected
// into handlers. Every request runs the same core: GET with query
// params, timeout retries with linear backoff, 5xx retries with a
// shorter backoff, then business-vs-transport classification of the
// body. Params are masked through the redact package before they reach
// the logs.
package askia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"brokerage-backend/internal/redact"
)

const (
	defaultTimeout  = 30 * time.Second
	issuanceTimeout = 90 * time.Second // issuance is never retried, only waited on
	probeTimeout    = 15 * time.Second

	recoveryAttempts = 3
	recoveryDelay    = 5 * time.Second

	previewLimit = 400
)

// Config holds the insurer connection settings, read from the
// environment by the config package.
type Config struct {
	BaseURL   string
	AppClient string
	PVCode    string // point of sale code, stamped on client creation
	BRCode    string // branch code, stamped on category lookups

	// Timeout and MaxRetries set the default request profile.
	// Zero values mean 30s / 2 retries.
	Timeout    time.Duration
	MaxRetries int

	// HTTPClient overrides the transport when set.
	HTTPClient *http.Client
}

// Client talks to the insurer API. Safe for concurrent use.
type Client struct {
	baseURL    string
	appClient  string
	pvCode     string
	brCode     string
	timeout    time.Duration
	maxRetries int

	httpc *http.Client
	sleep func(time.Duration)
	now   func() time.Time

	refMu    sync.Mutex
	refCache map[string][]CodeLabel
}

// New builds a Client from config, applying the default profile where
// the config is silent.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		appClient:  cfg.AppClient,
		pvCode:     cfg.PVCode,
		brCode:     cfg.BRCode,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		httpc:      httpc,
		sleep:      time.Sleep,
		now:        time.Now,
		refCache:   make(map[string][]CodeLabel),
	}
}

// ── Request Core ───────────────────────────────────────────────────

// profile is the per-call timeout/retry override. Issuance uses
// {90s, 0}; existence probes use {15s, 0, raw}.
type profile struct {
	timeout    time.Duration
	maxRetries int
	raw        bool // skip business classification (existence probes)
}

func (c *Client) defaultProfile() profile {
	return profile{timeout: c.timeout, maxRetries: c.maxRetries}
}

// request performs a GET with the retry policy and returns the decoded
// JSON body (object or array). nil-valued params are dropped.
func (c *Client) request(ctx context.Context, endpoint string, params map[string]any, p profile) (any, error) {
	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	clean := cleanParams(params)
	safe := redact.Params(clean)

	query := url.Values{}
	for k, v := range clean {
		query.Set(k, strVal(v))
	}

	attempts := p.maxRetries + 1
	var status int
	var body []byte
	for attempt := 1; attempt <= attempts; attempt++ {
		var err error
		status, body, err = c.attempt(ctx, u, query, p.timeout)
		if err != nil {
			if isTimeout(err) && ctx.Err() == nil {
				if attempt < attempts {
					wait := time.Duration(attempt) * 2 * time.Second
					log.Printf("[askia] timeout %s (%d/%d), nouvel essai dans %s",
						endpoint, attempt, attempts, wait)
					c.sleep(wait)
					continue
				}
				log.Printf("[askia] timeout %s après %d tentatives | params=%v",
					endpoint, attempts, safe)
				return nil, &TransportError{Endpoint: endpoint, Timeout: true, Err: err}
			}
			log.Printf("[askia] erreur réseau %s | %v | params=%v", endpoint, err, safe)
			return nil, &TransportError{Endpoint: endpoint, Err: err}
		}

		if status >= 500 && attempt < attempts {
			wait := time.Duration(600*attempt) * time.Millisecond
			log.Printf("[askia] HTTP %d sur %s (%d/%d), nouvel essai dans %s | params=%v",
				status, endpoint, attempt, attempts, wait, safe)
			c.sleep(wait)
			continue
		}
		break
	}

	if status < 200 || status >= 300 {
		log.Printf("[askia] HTTP %d %s | body=%s | params=%v",
			status, endpoint, preview(body), safe)
		return nil, &HTTPError{Endpoint: endpoint, StatusCode: status, Preview: preview(body)}
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		log.Printf("[askia] réponse non JSON sur %s | preview=%q", endpoint, preview(body))
		return nil, &InvalidResponseError{Endpoint: endpoint, Reason: "non JSON", Preview: preview(body)}
	}

	if obj, ok := data.(map[string]any); ok && !p.raw {
		if berr := classifyBusiness(endpoint, obj); berr != nil {
			log.Printf("[askia] erreur métier %s | msg=%s | data=%v | params=%v",
				endpoint, berr.Message, redact.Params(obj), safe)
			return nil, berr
		}
	}
	return data, nil
}

// attempt is a single GET with its own deadline.
func (c *Client) attempt(ctx context.Context, u string, query url.Values, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, err
	}
	req.URL.RawQuery = query.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("appClient", c.appClient)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// requestObject narrows the body to a JSON object.
func (c *Client) requestObject(ctx context.Context, endpoint string, params map[string]any, p profile) (map[string]any, error) {
	data, err := c.request(ctx, endpoint, params, p)
	if err != nil {
		return nil, err
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, &InvalidResponseError{Endpoint: endpoint, Reason: "objet JSON attendu"}
	}
	return obj, nil
}

// requestList narrows the body to a JSON array.
func (c *Client) requestList(ctx context.Context, endpoint string, params map[string]any, p profile) ([]any, error) {
	data, err := c.request(ctx, endpoint, params, p)
	if err != nil {
		return nil, err
	}
	list, ok := data.([]any)
	if !ok {
		return nil, &InvalidResponseError{Endpoint: endpoint, Reason: "liste JSON attendue"}
	}
	return list, nil
}

// ── Business Classification ────────────────────────────────────────

// classifyBusiness detects a refusal carried inside a 2xx body. The
// provider is inconsistent across endpoints (success flags, statut
// flags, status codes, error fields, code fields), so all known shapes
// are checked.
func classifyBusiness(endpoint string, data map[string]any) *BusinessError {
	message := strVal(data["message"])
	if message == "" {
		message = strVal(data["msg"])
	}
	if message != "" && strings.Contains(strings.ToLower(message), "contrat en cours") {
		return &BusinessError{Endpoint: endpoint, Message: message, ContractInForce: true}
	}

	flagFalse := data["success"] == false || data["statut"] == false
	switch strings.ToUpper(strVal(data["status"])) {
	case "KO", "ERROR", "NOK", "FAIL":
		flagFalse = true
	}
	switch data["error"].(type) {
	case string, float64:
		if s := strVal(data["error"]); s != "" && s != "0" && s != "None" {
			flagFalse = true
		}
	}

	codeBad := false
	if code, ok := data["code"]; ok && code != nil {
		switch strings.TrimSpace(strVal(code)) {
		case "", "0", "None", "OK", "SUCCESS":
		default:
			codeBad = true
		}
	}

	if !flagFalse && !codeBad {
		return nil
	}

	msg := message
	if msg == "" {
		if s, ok := data["error"].(string); ok {
			msg = s
		}
	}
	if msg == "" {
		msg = strVal(data["detail"])
	}
	if msg == "" {
		msg = "Erreur métier Askia"
	}
	return &BusinessError{Endpoint: endpoint, Message: msg}
}

// ── Helpers ────────────────────────────────────────────────────────

func cleanParams(params map[string]any) map[string]any {
	clean := make(map[string]any, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		clean[k] = v
	}
	return clean
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func preview(body []byte) string {
	s := string(body)
	if len(s) > previewLimit {
		return s[:previewLimit]
	}
	return s
}

// strVal renders a decoded JSON value the way the provider writes it:
// numbers without a trailing ".0", nil as the empty string.
func strVal(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(v)
	}
}

// safeDecimal converts loosely typed premium figures, defaulting to
// zero on anything unparseable.
func safeDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case nil:
		return decimal.Zero
	case float64:
		return decimal.NewFromFloat(t)
	case string:
		if t == "" {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(t)
		if err != nil {
			log.Printf("[askia] conversion décimale échouée pour: %q", t)
			return decimal.Zero
		}
		return d
	default:
		d, err := decimal.NewFromString(fmt.Sprint(v))
		if err != nil {
			log.Printf("[askia] conversion décimale échouée pour: %v", v)
			return decimal.Zero
		}
		return d
	}
}

func subMap(data map[string]any, key string) map[string]any {
	if m, ok := data[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func atLeast(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
