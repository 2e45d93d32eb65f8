package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const recvWindowMS = 5000

// Client speaks the Bybit V5 REST API. Public endpoints are plain GETs;
// private endpoints carry the HMAC-SHA256 headers the venue requires.
type Client struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
	log     *zap.Logger
	now     func() time.Time
}

// APIError is a non-zero retCode in an otherwise successful HTTP exchange.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit retCode %d: %s", e.Code, e.Message)
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
		now: time.Now,
	}
}

// SetCredentials enables the private endpoints. Public market-data calls work
// without them.
func (c *Client) SetCredentials(key, secret string) {
	c.key = key
	c.secret = secret
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Get issues a public GET and returns the raw result payload.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, params, nil, false)
}

// GetSigned issues an authenticated GET.
func (c *Client) GetSigned(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, params, nil, true)
}

// PostSigned issues an authenticated POST with a JSON body.
func (c *Client) PostSigned(ctx context.Context, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, nil, payload, true)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, signed bool) (json.RawMessage, error) {
	reqURL := c.baseURL + path
	query := ""
	if len(params) > 0 {
		query = params.Encode()
		reqURL += "?" + query
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.key == "" || c.secret == "" {
			return nil, fmt.Errorf("credentials required for %s", path)
		}
		payload := query
		if method == http.MethodPost {
			payload = string(body)
		}
		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", c.key)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindowMS))
		req.Header.Set("X-BAPI-SIGN", c.sign(ts, payload))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, err
	}
	if env.RetCode != 0 {
		return nil, &APIError{Code: env.RetCode, Message: env.RetMsg}
	}
	return env.Result, nil
}

// sign computes HMAC-SHA256 over timestamp + key + recvWindow + payload,
// the V5 signature recipe.
func (c *Client) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(timestamp + c.key + strconv.Itoa(recvWindowMS) + payload))
	return hex.EncodeToString(mac.Sum(nil))
}
