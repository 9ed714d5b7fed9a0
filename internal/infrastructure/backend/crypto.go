package backend

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/service"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// CipherFactory mints one CipherSession per generation: a fresh
// XChaCha20-Poly1305 request key wrapped anonymously for the backend's
// published X25519 public key, plus a fresh request id. The associated
// data strings bind every turn and every response chunk to that id, so
// a frame replayed across requests fails authentication.
type CipherFactory struct {
	backendPub [32]byte
}

// NewCipherFactory parses the backend's base64 public key. An empty key
// returns (nil, nil): the caller runs unencrypted.
func NewCipherFactory(publicKeyB64 string) (*CipherFactory, error) {
	if publicKeyB64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode backend public key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("backend public key must be 32 bytes, got %d", len(raw))
	}
	f := &CipherFactory{}
	copy(f.backendPub[:], raw)
	return f, nil
}

// NewSession implements service.CipherFactory.
func (f *CipherFactory) NewSession() (service.CipherSession, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate request key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init request cipher: %w", err)
	}

	wrapped, err := box.SealAnonymous(nil, key, &f.backendPub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("wrap request key: %w", err)
	}

	return &cipherSession{
		requestID:  uuid.NewString(),
		wrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		aead:       aead,
	}, nil
}

type cipherSession struct {
	requestID  string
	wrappedKey string
	aead       cipher.AEAD
}

func (s *cipherSession) RequestID() string  { return s.requestID }
func (s *cipherSession) WrappedKey() string { return s.wrappedKey }

// EncryptTurn seals one turn's content with associated data
// "lumo.request.<request_id>.turn.<index>". Output is base64(nonce||ct).
func (s *cipherSession) EncryptTurn(index int, content string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate turn nonce: %w", err)
	}
	ad := []byte(fmt.Sprintf("lumo.request.%s.turn.%d", s.requestID, index))
	sealed := s.aead.Seal(nonce, nonce, []byte(content), ad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptChunk opens one response chunk with associated data
// "lumo.response.<request_id>.chunk". All chunks of one response share
// the same AD — direction and request id are what the binding protects.
func (s *cipherSession) DecryptChunk(content string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", fmt.Errorf("decode chunk: %w", err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("chunk shorter than nonce")
	}
	ad := []byte(fmt.Sprintf("lumo.response.%s.chunk", s.requestID))
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], ad)
	if err != nil {
		return "", fmt.Errorf("open chunk: %w", err)
	}
	return string(plain), nil
}
