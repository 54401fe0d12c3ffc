package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Purpose scopes an Envelope to the kind of secret it carries. A single
// Manager in this project encrypts two unrelated secret shapes under the
// same key ring -- CRM client credentials (see tools.builtinSaveCredentials)
// and per-bot provider API key overrides (storage.Bot provider keys) -- so
// the purpose string is mixed into the AEAD as additional authenticated
// data. A ciphertext minted for PurposeCRMCredentials fails to decrypt if
// ever read back as PurposeProviderKey, even though both share KeyID space,
// which keeps a column mix-up or a copy-pasted envelope from silently
// decrypting into the wrong field.
type Purpose string

const (
	PurposeCRMCredentials Purpose = "crm_credentials"
	PurposeProviderKey    Purpose = "provider_key"
)

type Envelope struct {
	KeyID      string `json:"key_id"`
	Purpose    string `json:"purpose"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Manager struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Manager{currentKeyID: currentKeyID, keys: cp}, nil
}

func (m *Manager) Encrypt(plaintext []byte, purpose Purpose) (Envelope, error) {
	key := m.keys[m.currentKeyID]
	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(purpose))

	return Envelope{
		KeyID:      m.currentKeyID,
		Purpose:    string(purpose),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt authenticates env against wantPurpose as additional data: a
// ciphertext sealed under a different purpose fails with a decrypt error
// rather than silently returning plaintext meant for another field.
func (m *Manager) Decrypt(env Envelope, wantPurpose Purpose) ([]byte, error) {
	if Purpose(env.Purpose) != wantPurpose {
		return nil, fmt.Errorf("envelope purpose %q does not match expected %q", env.Purpose, wantPurpose)
	}
	key, ok := m.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(env.Purpose))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (m *Manager) MarshalEncryptedString(value string, purpose Purpose) (string, error) {
	env, err := m.Encrypt([]byte(value), purpose)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (m *Manager) UnmarshalEncryptedString(raw string, purpose Purpose) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	pt, err := m.Decrypt(env, purpose)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// ReEncrypt rotates raw onto the Manager's current key without changing its
// bound purpose, for use by a key-rotation job walking stored ciphertexts.
func (m *Manager) ReEncrypt(raw string, purpose Purpose) (string, error) {
	plain, err := m.UnmarshalEncryptedString(raw, purpose)
	if err != nil {
		return "", err
	}
	return m.MarshalEncryptedString(plain, purpose)
}
