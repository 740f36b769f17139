package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marcusvh/wallet-ledger/internal/config"
	"github.com/stretchr/testify/assert"
)

func testClient(baseURL string) *PaystackClient {
	return NewPaystackClient(config.PaystackConfig{
		BaseURL:           baseURL,
		SecretKey:         "sk_test",
		WebhookSecret:     "whsec_test",
		InitTimeoutSecs:   2,
		VerifyTimeoutSecs: 2,
	})
}

func TestInitialize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":true,"data":{"authorization_url":"https://checkout.example/x","access_code":"ac_1","reference":"D1"}}`))
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).Initialize(context.Background(), "a@example.com", "D1", 5000)
	assert.NoError(t, err)
	assert.Equal(t, "https://checkout.example/x", res.AuthorizationURL)
	assert.Equal(t, "ac_1", res.AccessCode)
	assert.NotEmpty(t, res.RawPayload)
}

func TestInitialize_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Initialize(context.Background(), "a@example.com", "D1", 5000)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestInitialize_GatewayRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":false,"message":"invalid amount"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Initialize(context.Background(), "a@example.com", "D1", 5000)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestVerify_OutcomeMapping(t *testing.T) {
	cases := map[string]string{
		"success":   OutcomeSuccess,
		"failed":    OutcomeFailed,
		"reversed":  OutcomeFailed,
		"abandoned": OutcomePending,
		"ongoing":   OutcomePending,
	}
	for status, want := range cases {
		status, want := status, want
		t.Run(status, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/transaction/verify/D1", r.URL.Path)
				w.Write([]byte(`{"status":true,"data":{"status":"` + status + `"}}`))
			}))
			defer srv.Close()

			res, err := testClient(srv.URL).Verify(context.Background(), "D1")
			assert.NoError(t, err)
			assert.Equal(t, want, res.Outcome)
		})
	}
}

func TestVerify_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	_, err := testClient(srv.URL).Verify(context.Background(), "D1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestValidateSignature(t *testing.T) {
	c := testClient("http://unused")
	body := []byte(`{"event":"charge.success","data":{"reference":"D1"}}`)

	mac := hmac.New(sha512.New, []byte("whsec_test"))
	mac.Write(body)
	good := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, c.ValidateSignature(body, good))
	assert.False(t, c.ValidateSignature(body, ""))
	assert.False(t, c.ValidateSignature(body, "tampered"))
	assert.False(t, c.ValidateSignature(append(body, ' '), good))
}
