package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/scrypt"

	"qstream/internal/logger"
)

const (
	// EnvPrefix prefixes every variable the service reads.
	EnvPrefix = "QSTREAM_"
	// EnvEncryptionKey holds the passphrase for ENC: values.
	EnvEncryptionKey = "QSTREAM_ENCRYPTION_KEY"

	// EncryptedPrefix marks a sealed value.
	EncryptedPrefix = "ENC:"
)

var errSealedTooShort = errors.New("sealed value too short")

// EnvManager reads prefixed environment variables. Values carrying the
// ENC: prefix are opened with a key derived from the passphrase.
type EnvManager struct {
	aead   cipher.AEAD
	prefix string
}

// NewEnvManager derives the sealing key from passphrase, falling back to
// QSTREAM_ENCRYPTION_KEY, and reads variables under prefix (QSTREAM_ when
// empty).
func NewEnvManager(passphrase string, prefix string) *EnvManager {
	if passphrase == "" {
		passphrase = os.Getenv(EnvEncryptionKey)
	}
	if prefix == "" {
		prefix = EnvPrefix
	}

	em := &EnvManager{prefix: prefix}
	key, err := scrypt.Key([]byte(passphrase), []byte("qstream-env"), 1<<15, 8, 1, 32)
	if err == nil {
		if block, err := aes.NewCipher(key); err == nil {
			em.aead, _ = cipher.NewGCM(block)
		}
	}
	return em
}

// LoadEnvFile loads a .env file into the process environment without
// overriding variables that are already set.
func LoadEnvFile(filename string) error {
	if err := godotenv.Load(filename); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", filename, err)
	}
	return nil
}

func (em *EnvManager) name(key string) string {
	return em.prefix + strings.ToUpper(key)
}

// lookup parses the variable for key, keeping def when it is unset or
// malformed.
func lookup[T any](em *EnvManager, key string, def T, parse func(string) (T, error)) T {
	raw := os.Getenv(em.name(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		logger.Warn("Ignoring malformed environment variable", "key", em.name(key), "error", err)
		return def
	}
	return v
}

// GetString returns the variable for key or def.
func (em *EnvManager) GetString(key string, def string) string {
	return lookup(em, key, def, func(s string) (string, error) { return s, nil })
}

func (em *EnvManager) GetInt(key string, def int) int {
	return lookup(em, key, def, strconv.Atoi)
}

func (em *EnvManager) GetBool(key string, def bool) bool {
	return lookup(em, key, def, strconv.ParseBool)
}

func (em *EnvManager) GetDuration(key string, def time.Duration) time.Duration {
	return lookup(em, key, def, time.ParseDuration)
}

// GetEncryptedString is GetString for secrets: an ENC: value is opened
// first, and one that fails to open yields def.
func (em *EnvManager) GetEncryptedString(key string, def string) string {
	return lookup(em, key, def, func(s string) (string, error) {
		sealed, ok := strings.CutPrefix(s, EncryptedPrefix)
		if !ok {
			return s, nil
		}
		return em.Decrypt(sealed)
	})
}

// Encrypt seals plaintext with AES-GCM and returns base64(nonce|ciphertext).
func (em *EnvManager) Encrypt(plaintext string) (string, error) {
	if em.aead == nil {
		return "", errors.New("no sealing key")
	}
	nonce := make([]byte, em.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := em.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (em *EnvManager) Decrypt(sealed string) (string, error) {
	if em.aead == nil {
		return "", errors.New("no sealing key")
	}
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	n := em.aead.NonceSize()
	if len(raw) < n {
		return "", errSealedTooShort
	}
	plain, err := em.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}

// ValidateRequired reports every key whose variable is unset.
func (em *EnvManager) ValidateRequired(keys []string) error {
	var missing []string
	for _, key := range keys {
		if _, ok := os.LookupEnv(em.name(key)); !ok {
			missing = append(missing, em.name(key))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}
