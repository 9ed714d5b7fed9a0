package backend

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// testBackendKeys generates the backend side of the exchange.
func testBackendKeys(t *testing.T) (pubB64 string, pub, priv *[32]byte) {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(pub[:]), pub, priv
}

func TestCipherFactory_EmptyKeyMeansUnencrypted(t *testing.T) {
	f, err := NewCipherFactory("")
	if err != nil || f != nil {
		t.Fatalf("empty key must return (nil, nil), got %v, %v", f, err)
	}
}

func TestCipherFactory_RejectsBadKey(t *testing.T) {
	if _, err := NewCipherFactory("not-base64!!"); err == nil {
		t.Fatal("invalid base64 must be rejected")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := NewCipherFactory(short); err == nil {
		t.Fatal("wrong key length must be rejected")
	}
}

func TestCipherSession_FreshPerGeneration(t *testing.T) {
	pubB64, _, _ := testBackendKeys(t)
	f, err := NewCipherFactory(pubB64)
	if err != nil {
		t.Fatal(err)
	}

	s1, err := f.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := f.NewSession()
	if err != nil {
		t.Fatal(err)
	}

	if s1.RequestID() == s2.RequestID() {
		t.Fatal("request ids must be fresh per session")
	}
	if s1.WrappedKey() == s2.WrappedKey() {
		t.Fatal("request keys must be fresh per session")
	}
}

// Full loop: wrap → unwrap on the backend side → decrypt the turn with
// the turn AD → seal a response chunk with the chunk AD → open it back
// through the session.
func TestCipherSession_BackendRoundTrip(t *testing.T) {
	pubB64, pub, priv := testBackendKeys(t)
	f, err := NewCipherFactory(pubB64)
	if err != nil {
		t.Fatal(err)
	}
	session, err := f.NewSession()
	if err != nil {
		t.Fatal(err)
	}

	// Client side: encrypt turn 0.
	ct, err := session.EncryptTurn(0, "secret turn content")
	if err != nil {
		t.Fatal(err)
	}

	// Backend side: unwrap the request key.
	wrapped, err := base64.StdEncoding.DecodeString(session.WrappedKey())
	if err != nil {
		t.Fatal(err)
	}
	key, ok := box.OpenAnonymous(nil, wrapped, pub, priv)
	if !ok {
		t.Fatal("backend failed to unwrap the request key")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		t.Fatal(err)
	}

	// Backend side: decrypt the turn with the turn-direction AD.
	raw, err := base64.StdEncoding.DecodeString(ct)
	if err != nil {
		t.Fatal(err)
	}
	ns := aead.NonceSize()
	turnAD := []byte(fmt.Sprintf("lumo.request.%s.turn.0", session.RequestID()))
	plain, err := aead.Open(nil, raw[:ns], raw[ns:], turnAD)
	if err != nil {
		t.Fatalf("backend failed to decrypt turn: %v", err)
	}
	if string(plain) != "secret turn content" {
		t.Fatalf("decrypted = %q", plain)
	}

	// Wrong AD (different turn index) must fail authentication.
	wrongAD := []byte(fmt.Sprintf("lumo.request.%s.turn.1", session.RequestID()))
	if _, err := aead.Open(nil, raw[:ns], raw[ns:], wrongAD); err == nil {
		t.Fatal("mismatched associated data must fail")
	}

	// Backend side: seal a response chunk with the chunk-direction AD.
	nonce := make([]byte, ns)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatal(err)
	}
	chunkAD := []byte(fmt.Sprintf("lumo.response.%s.chunk", session.RequestID()))
	sealed := aead.Seal(nonce, nonce, []byte("assistant chunk"), chunkAD)
	chunk := base64.StdEncoding.EncodeToString(sealed)

	// Client side: open it through the session.
	got, err := session.DecryptChunk(chunk)
	if err != nil {
		t.Fatalf("session failed to decrypt chunk: %v", err)
	}
	if got != "assistant chunk" {
		t.Fatalf("decrypted chunk = %q", got)
	}
}

func TestCipherSession_DecryptChunkErrors(t *testing.T) {
	pubB64, _, _ := testBackendKeys(t)
	f, _ := NewCipherFactory(pubB64)
	session, _ := f.NewSession()

	if _, err := session.DecryptChunk("not base64!!"); err == nil {
		t.Fatal("bad base64 must error")
	}
	if _, err := session.DecryptChunk(base64.StdEncoding.EncodeToString([]byte("tiny"))); err == nil {
		t.Fatal("input shorter than nonce must error")
	}
}
