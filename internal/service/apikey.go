package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/marcusvh/wallet-ledger/internal/model"
	"github.com/marcusvh/wallet-ledger/internal/repo"
	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
	"gorm.io/gorm"
)

// Authentication vs authorization are distinct failure kinds: the first means
// "log in again", the second "request a different key".
var (
	ErrUnauthenticated  = errors.New("invalid or expired API key")
	ErrPermissionDenied = errors.New("permission denied")
)

var (
	ErrKeyLimitReached   = errors.New("maximum active API keys reached")
	ErrInvalidPermission = errors.New("invalid permission")
	ErrInvalidExpiry     = errors.New("invalid expiry option")
	ErrKeyNotFound       = errors.New("API key not found")
	ErrKeyRevoked        = errors.New("API key revoked")
	ErrKeyNotExpired     = errors.New("API key not expired")
)

const (
	pbkdf2Iterations = 100_000
	saltLen          = 16
	secretLen        = 32
)

var expiryOptions = map[string]time.Duration{
	"1H": time.Hour,
	"1D": 24 * time.Hour,
	"1M": 30 * 24 * time.Hour,
	"1Y": 365 * 24 * time.Hour,
}

var validPermissions = map[string]bool{
	model.PermRead:     true,
	model.PermDeposit:  true,
	model.PermTransfer: true,
}

// APIKeyService issues, rolls over and verifies bearer credentials. Plaintext
// secrets exist only in the create/rollover return values.
type APIKeyService struct {
	repo      repo.RepositoryInterface
	maxActive int
	log       *zap.SugaredLogger
}

// NewAPIKeyService returns APIKeyService.
func NewAPIKeyService(r repo.RepositoryInterface, maxActive int, logger *zap.SugaredLogger) *APIKeyService {
	return &APIKeyService{repo: r, maxActive: maxActive, log: logger}
}

// Create issues a new key. The active-key ceiling is counted before insert;
// hitting it rejects the request, it never evicts.
func (s *APIKeyService) Create(ctx context.Context, ownerID uint64, name string, permissions []string, expiry string) (*model.APIKey, string, error) {
	for _, p := range permissions {
		if !validPermissions[p] {
			return nil, "", fmt.Errorf("%w: %s", ErrInvalidPermission, p)
		}
	}
	ttl, ok := expiryOptions[expiry]
	if !ok {
		return nil, "", ErrInvalidExpiry
	}
	if err := s.enforceLimit(ctx, ownerID); err != nil {
		return nil, "", err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := hashSecret(secret, nil)
	if err != nil {
		return nil, "", err
	}
	key := &model.APIKey{
		OwnerID:     ownerID,
		Name:        name,
		SecretHash:  hash,
		Permissions: model.JoinPermissions(permissions),
		ExpiresAt:   time.Now().Add(ttl),
	}
	if err := s.repo.CreateAPIKey(ctx, s.repo.DB(ctx), key); err != nil {
		return nil, "", err
	}
	return key, secret, nil
}

// Rollover replaces an expired, non-revoked key with a fresh secret carrying
// the same name, permissions and original TTL. The source key is revoked.
func (s *APIKeyService) Rollover(ctx context.Context, ownerID, keyID uint64) (*model.APIKey, string, error) {
	source, err := s.repo.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrKeyNotFound
		}
		return nil, "", err
	}
	if source.OwnerID != ownerID {
		return nil, "", ErrKeyNotFound
	}
	if source.Revoked {
		return nil, "", ErrKeyRevoked
	}
	if source.ExpiresAt.After(time.Now()) {
		return nil, "", ErrKeyNotExpired
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := hashSecret(secret, nil)
	if err != nil {
		return nil, "", err
	}
	ttl := source.ExpiresAt.Sub(source.CreatedAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	next := &model.APIKey{
		OwnerID:     ownerID,
		Name:        source.Name,
		SecretHash:  hash,
		Permissions: source.Permissions,
		ExpiresAt:   time.Now().Add(ttl),
	}
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		source.Revoked = true
		if err := s.repo.SaveAPIKey(ctx, tx, source); err != nil {
			return err
		}
		return s.repo.CreateAPIKey(ctx, tx, next)
	})
	if err != nil {
		return nil, "", err
	}
	return next, secret, nil
}

// Authenticate resolves a presented secret to an active key and optionally
// checks a required permission.
func (s *APIKeyService) Authenticate(ctx context.Context, rawKey, requiredPermission string) (*model.APIKey, error) {
	candidates, err := s.repo.ListCandidateKeys(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range candidates {
		key := &candidates[i]
		if !key.Active(now) {
			continue
		}
		if verifySecret(rawKey, key.SecretHash) {
			if requiredPermission != "" && !key.HasPermission(requiredPermission) {
				return nil, ErrPermissionDenied
			}
			return key, nil
		}
	}
	return nil, ErrUnauthenticated
}

func (s *APIKeyService) enforceLimit(ctx context.Context, ownerID uint64) error {
	keys, err := s.repo.ListUnrevokedKeys(ctx, ownerID)
	if err != nil {
		return err
	}
	now := time.Now()
	active := 0
	for i := range keys {
		if keys[i].Active(now) {
			active++
		}
	}
	if active >= s.maxActive {
		return ErrKeyLimitReached
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, secretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashSecret returns base64(salt || pbkdf2-sha256(secret, salt)).
func hashSecret(secret string, salt []byte) (string, error) {
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return "", err
		}
	}
	dk := pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, sha256.Size, sha256.New)
	return base64.StdEncoding.EncodeToString(append(salt, dk...)), nil
}

// verifySecret recomputes the digest and compares in constant time.
func verifySecret(secret, encoded string) bool {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(payload) <= saltLen {
		return false
	}
	salt, digest := payload[:saltLen], payload[saltLen:]
	dk := pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, sha256.Size, sha256.New)
	return subtle.ConstantTimeCompare(digest, dk) == 1
}
