package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/marcusvh/wallet-ledger/internal/config"
	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/marcusvh/wallet-ledger/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidToken is an authentication failure at the identity boundary.
var ErrInvalidToken = errors.New("invalid identity token")

// ErrIdentityUnavailable covers failures reaching the identity provider.
var ErrIdentityUnavailable = errors.New("identity provider unavailable")

// AuthContext is the resolved caller identity the engine trusts. Bearer-token
// callers carry the full permission set; key callers carry the key's set.
type AuthContext struct {
	User *model.User
	Key  *model.APIKey
}

// HasPermission reports whether the context may invoke a gated operation.
func (c *AuthContext) HasPermission(perm string) bool {
	if c.Key == nil {
		return true
	}
	return c.Key.HasPermission(perm)
}

// AuthService resolves Google identity tokens into users, provisioning the
// user's wallet on first login.
type AuthService struct {
	repo   repo.RepositoryInterface
	cfg    config.GoogleConfig
	client *http.Client
	log    *zap.SugaredLogger
}

// NewAuthService returns AuthService.
func NewAuthService(r repo.RepositoryInterface, cfg config.GoogleConfig, logger *zap.SugaredLogger) *AuthService {
	return &AuthService{
		repo:   r,
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}
}

// LoginURL builds the provider's consent-screen URL.
func (s *AuthService) LoginURL() string {
	params := url.Values{
		"client_id":     {s.cfg.ClientID},
		"redirect_uri":  {s.cfg.RedirectURI},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
	}
	return "https://accounts.google.com/o/oauth2/v2/auth?" + params.Encode()
}

// ExchangeCode trades an authorization code for an ID token.
func (s *AuthService) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
		"redirect_uri":  {s.cfg.RedirectURI},
		"grant_type":    {"authorization_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://oauth2.googleapis.com/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: token exchange status %d", ErrInvalidToken, resp.StatusCode)
	}
	var body struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if body.IDToken == "" {
		return "", fmt.Errorf("%w: response missing id_token", ErrInvalidToken)
	}
	return body.IDToken, nil
}

// ResolveToken decodes an ID token and returns the user, creating the user
// and wallet on first sight. Issuer and audience are checked; the signature
// is left to the provider boundary.
func (s *AuthService) ResolveToken(ctx context.Context, tokenString string) (*model.User, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	issuer, err := claims.GetIssuer()
	if err != nil || strings.TrimPrefix(issuer, "https://") != s.cfg.Issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	audience, err := claims.GetAudience()
	if err != nil || !containsAudience(audience, s.cfg.ClientID) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	sub, _ := claims.GetSubject()
	email, _ := claims["email"].(string)
	if sub == "" || email == "" {
		return nil, fmt.Errorf("%w: incomplete profile", ErrInvalidToken)
	}

	user, err := s.repo.GetUserByGoogleID(ctx, sub)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return s.provision(ctx, email, sub)
}

// provision creates the user and its wallet in one storage transaction.
func (s *AuthService) provision(ctx context.Context, email, googleID string) (*model.User, error) {
	user := &model.User{Email: email, GoogleID: googleID}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		number, err := s.freshWalletNumber(ctx)
		if err != nil {
			return err
		}
		wallet := &model.Wallet{OwnerID: user.ID, WalletNumber: number}
		return s.repo.CreateWallet(ctx, tx, wallet)
	})
	if err != nil {
		return nil, err
	}
	s.log.Infof("provisioned user %d with wallet", user.ID)
	return user, nil
}

func (s *AuthService) freshWalletNumber(ctx context.Context) (string, error) {
	for {
		number, err := generateWalletNumber()
		if err != nil {
			return "", err
		}
		if _, err := s.repo.GetWalletByNumber(ctx, number); errors.Is(err, gorm.ErrRecordNotFound) {
			return number, nil
		} else if err != nil {
			return "", err
		}
	}
}

func containsAudience(aud jwt.ClaimStrings, clientID string) bool {
	for _, a := range aud {
		if a == clientID {
			return true
		}
	}
	return false
}
