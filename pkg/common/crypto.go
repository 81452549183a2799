package common

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/enlightenev/enlightenev/pkg/log"
)

// ErrNoEncryptionKey is returned when sealing or opening without a key.
var ErrNoEncryptionKey = errors.New("no encryption key configured")

func newGCM(ctx context.Context, encryptionKey string) (cipher.AEAD, error) {
	if encryptionKey == "" {
		log.Ctx(ctx).ErrorContext(ctx, "cannot use credentials: no encryption key configured")
		return nil, ErrNoEncryptionKey
	}

	key := []byte(encryptionKey)
	if len(key) != 32 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid encryption key length (must be 32 bytes)", slog.Int("length", len(key)))
		return nil, errors.New("invalid encryption key length (must be 32 bytes)")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create cipher", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create gcm", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

// SealJSON marshals v and encrypts it with AES-GCM. The nonce is prepended
// to the ciphertext.
func SealJSON(ctx context.Context, encryptionKey string, v any) ([]byte, error) {
	gcm, err := newGCM(ctx, encryptionKey)
	if err != nil {
		return nil, err
	}

	jsonBytes, err := json.Marshal(v)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal sealed value", slog.Any("error", err))
		return nil, fmt.Errorf("failed to marshal sealed value: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, jsonBytes, nil), nil
}

// OpenJSON reverses SealJSON into dest. An empty input leaves dest untouched.
func OpenJSON(ctx context.Context, encryptionKey string, sealed []byte, dest any) error {
	if len(sealed) == 0 {
		return nil
	}

	gcm, err := newGCM(ctx, encryptionKey)
	if err != nil {
		return err
	}

	if len(sealed) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed sealed value", slog.Int("length", len(sealed)))
		return errors.New("malformed sealed value")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt sealed value", slog.Any("error", err))
		return fmt.Errorf("failed to decrypt sealed value: %w", err)
	}

	if err := json.Unmarshal(plaintext, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to unmarshal sealed value", slog.Any("error", err))
		return fmt.Errorf("failed to unmarshal sealed value: %w", err)
	}
	return nil
}
