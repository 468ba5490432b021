package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// 用途ごとのドメイン分離子。異なる用途の暗号文は互いに復号できない。
const (
	PurposeGoogleTokens      = "mi-cuatri.GoogleAccountTokens.v1"
	PurposeHandshakeSessions = "mi-cuatri.HandshakeSessions.v1"
)

// vaultPrefix はTokenVaultが生成した暗号文の先頭に付く印。
const vaultPrefix = "v1:"

// ErrEmptySecret は暗号化鍵の元になる秘密値が空の場合のエラー。
var ErrEmptySecret = errors.New("token vault secret must not be empty")

// TokenProtector はトークンを永続化境界の前後で暗号化・復号する能力を表す。
type TokenProtector interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) (string, error)
}

// TokenVault はAES-256-GCMによるTokenProtectorの実装。
// 鍵は秘密値からHKDF-SHA256で用途ごとに導出する。
type TokenVault struct {
	aead    cipher.AEAD
	purpose []byte
}

var _ TokenProtector = (*TokenVault)(nil)

// NewTokenVault は秘密値と用途からTokenVaultを生成する。
func NewTokenVault(secret, purpose string) (*TokenVault, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &TokenVault{aead: gcm, purpose: []byte(purpose)}, nil
}

// Encrypt は平文を暗号化する。空文字列は空文字列のまま返す。
func (v *TokenVault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), v.purpose)
	return vaultPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt は暗号文を復号する。
// TokenVaultの暗号文でない値（暗号化導入前の平文）はそのまま返す。
// 改ざんされた暗号文や別用途の暗号文はエラーになる。
func (v *TokenVault) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, vaultPrefix) {
		return stored, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(stored, vaultPrefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, v.purpose)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}
