package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/marcusvh/wallet-ledger/internal/config"
)

// ErrUnavailable covers timeouts and non-2xx responses from the processor.
// Callers treat it as retryable, never as a terminal transaction failure.
var ErrUnavailable = errors.New("payment gateway unavailable")

// Verification outcomes.
const (
	OutcomeSuccess = "success"
	OutcomePending = "pending"
	OutcomeFailed  = "failed"
)

// InitResult is the gateway's answer to a collection request.
type InitResult struct {
	AuthorizationURL string
	AccessCode       string
	RawPayload       json.RawMessage
}

// VerifyResult reports a transaction's outcome as the gateway sees it.
type VerifyResult struct {
	Outcome    string
	RawPayload json.RawMessage
}

// Gateway is the outbound interface to the payment processor.
type Gateway interface {
	Initialize(ctx context.Context, email, reference string, amount int64) (*InitResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
	ValidateSignature(rawBody []byte, signature string) bool
}

// PaystackClient implements Gateway against the Paystack REST API.
type PaystackClient struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	initTimeout   time.Duration
	verifyTimeout time.Duration
	client        *http.Client
}

// NewPaystackClient builds a client from config.
func NewPaystackClient(cfg config.PaystackConfig) *PaystackClient {
	return &PaystackClient{
		baseURL:       cfg.BaseURL,
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		initTimeout:   time.Duration(cfg.InitTimeoutSecs) * time.Second,
		verifyTimeout: time.Duration(cfg.VerifyTimeoutSecs) * time.Second,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Status string `json:"status"`
}

// Initialize starts a collection request for the reference.
func (p *PaystackClient) Initialize(ctx context.Context, email, reference string, amount int64) (*InitResult, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"email":     email,
		"amount":    amount,
		"reference": reference,
	})
	ctx, cancel := context.WithTimeout(ctx, p.initTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/transaction/initialize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	env, err := p.do(req)
	if err != nil {
		return nil, err
	}
	var data initData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed initialize payload", ErrUnavailable)
	}
	return &InitResult{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		RawPayload:       env.Data,
	}, nil
}

// Verify asks the gateway for the transaction's current outcome.
func (p *PaystackClient) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.verifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)

	env, err := p.do(req)
	if err != nil {
		return nil, err
	}
	var data verifyData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed verify payload", ErrUnavailable)
	}
	return &VerifyResult{Outcome: mapOutcome(data.Status), RawPayload: env.Data}, nil
}

// ValidateSignature checks the HMAC-SHA512 webhook signature over the raw body.
func (p *PaystackClient) ValidateSignature(rawBody []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(p.webhookSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (p *PaystackClient) do(req *http.Request) (*envelope, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid response body", ErrUnavailable)
	}
	if !env.Status {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, env.Message)
	}
	return &env, nil
}

// mapOutcome collapses gateway statuses into the three outcomes the ledger
// cares about. Anything unrecognized stays pending for a later attempt.
func mapOutcome(status string) string {
	switch status {
	case "success":
		return OutcomeSuccess
	case "failed", "reversed":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
