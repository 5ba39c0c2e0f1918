// Package secretstore encrypts and decrypts per-tenant secrets with a
// tenant-bound KMS context and caches the decrypted plaintext in the fast
// store for a short TTL, grounded on
// original_source/api-server/services/encryption_service.py.
package secretstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/redis/go-redis/v9"

	"github.com/quickform/orchestrator/pkg/config"
)

// kmsAPI is the subset of *kms.Client this package calls, so tests can
// substitute a fake without standing up real AWS credentials.
type kmsAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Store is the Secret Store (spec.md §4.1).
type Store struct {
	cfg      config.SecretStoreConfig
	kms      kmsAPI
	redis    *redis.Client
	cacheTTL time.Duration
}

// New builds a Store. cfg must already have passed Validate(); redisClient
// is shared with the rest of the fast store (Queue Fabric, Budget Gate).
func New(cfg config.SecretStoreConfig, kmsClient kmsAPI, redisClient *redis.Client) (*Store, error) {
	ttl, err := time.ParseDuration(cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("secretstore: invalid cache_ttl %q: %w", cfg.CacheTTL, err)
	}
	return &Store{cfg: cfg, kms: kmsClient, redis: redisClient, cacheTTL: ttl}, nil
}

// Encrypt encrypts plaintext with the configured KMS key, binding the
// ciphertext to tenantID via the encryption context so it cannot be
// decrypted under a different tenant.
func (s *Store) Encrypt(ctx context.Context, plaintext, tenantID string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if s.cfg.KMSKeyID == "" {
		return "", ErrKeyNotConfigured
	}

	out, err := s.kms.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &s.cfg.KMSKeyID,
		Plaintext:         []byte(plaintext),
		EncryptionContext: map[string]string{"tenant_id": tenantID},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKMS, err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt decrypts ciphertext, verifying it was encrypted for tenantID.
func (s *Store) Decrypt(ctx context.Context, ciphertext, tenantID string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if s.cfg.KMSKeyID == "" {
		return "", ErrKeyNotConfigured
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secretstore: invalid ciphertext encoding: %w", err)
	}

	out, err := s.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    blob,
		EncryptionContext: map[string]string{"tenant_id": tenantID},
	})
	if err != nil {
		if isContextMismatch(err) {
			return "", ErrContextMismatch
		}
		return "", fmt.Errorf("%w: %v", ErrKMS, err)
	}
	return string(out.Plaintext), nil
}

// isContextMismatch reports whether err is the KMS-signalled condition for
// a ciphertext decrypted under the wrong encryption context. The SDK
// surfaces this as InvalidCiphertextException.
func isContextMismatch(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidCiphertextException"
	}
	return false
}

func cacheKey(tenantID string, kind string) string {
	return fmt.Sprintf("secret:%s:%s", tenantID, kind)
}

// GetCachedSecret reads a previously cached plaintext. ok is false on a
// cache miss or on a cache read failure — the caller falls back to KMS.
func (s *Store) GetCachedSecret(ctx context.Context, tenantID string, kind string) (value string, ok bool) {
	v, err := s.redis.Get(ctx, cacheKey(tenantID, kind)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// CacheSecret writes a decrypted plaintext to the fast store for the
// configured TTL. Best-effort: a cache write failure is not fatal to the
// caller, who already has the plaintext from KMS.
func (s *Store) CacheSecret(ctx context.Context, tenantID string, kind string, plaintext string) error {
	return s.redis.Set(ctx, cacheKey(tenantID, kind), plaintext, s.cacheTTL).Err()
}

// InvalidateCachedSecret removes a cached plaintext. Call this on every
// mutation of the underlying ciphertext.
func (s *Store) InvalidateCachedSecret(ctx context.Context, tenantID string, kind string) error {
	return s.redis.Del(ctx, cacheKey(tenantID, kind)).Err()
}

// GetDecryptedAPIKey is the cache-aside path used before every AI call:
// check the fast store first, decrypt via KMS on a miss, then repopulate
// the cache for next time.
func (s *Store) GetDecryptedAPIKey(ctx context.Context, tenantID string, encryptedKey string) (string, error) {
	if encryptedKey == "" {
		return "", nil
	}

	if cached, ok := s.GetCachedSecret(ctx, tenantID, string(KindAPIKey)); ok {
		return cached, nil
	}

	plaintext, err := s.Decrypt(ctx, encryptedKey, tenantID)
	if err != nil {
		return "", err
	}

	_ = s.CacheSecret(ctx, tenantID, string(KindAPIKey), plaintext)
	return plaintext, nil
}

// credentialCacheKind namespaces a credential's cache entry by network so
// two networks' usernames, say, never collide in the fast store.
func credentialCacheKind(credentialType Kind, networkID string) string {
	return fmt.Sprintf("cred_%s_%s", credentialType, networkID)
}

// DecryptCredential decrypts a test-site credential (username, password,
// totp_secret), caching the result per (tenant, network, credential type).
func (s *Store) DecryptCredential(ctx context.Context, ciphertext, tenantID, networkID string, credentialType Kind) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	kind := credentialCacheKind(credentialType, networkID)
	if cached, ok := s.GetCachedSecret(ctx, tenantID, kind); ok {
		return cached, nil
	}

	plaintext, err := s.Decrypt(ctx, ciphertext, tenantID)
	if err != nil {
		return "", err
	}

	_ = s.CacheSecret(ctx, tenantID, kind, plaintext)
	return plaintext, nil
}

// InvalidateCredentialCache drops every cached credential kind for a
// network. Call this whenever a network's stored credentials are updated.
func (s *Store) InvalidateCredentialCache(ctx context.Context, tenantID, networkID string) error {
	var firstErr error
	for _, kind := range credentialKinds {
		if err := s.InvalidateCachedSecret(ctx, tenantID, credentialCacheKind(kind, networkID)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
