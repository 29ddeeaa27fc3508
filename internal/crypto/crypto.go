package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

var ErrShortCiphertext = errors.New("crypto: ciphertext too short")

// AEAD seals small payloads with AES-GCM. The nonce is prepended to the
// ciphertext and the whole value is base64 encoded.
type AEAD struct{ aead cipher.AEAD }

func New(key []byte) (*AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

// Seal encrypts plaintext, binding it to aad (typically the row id) so a
// sealed value cannot be moved to another record.
func (a *AEAD) Seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	buf := a.aead.Seal(nonce, nonce, plaintext, aad)
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func (a *AEAD) Open(sealed string, aad []byte) ([]byte, error) {
	buf, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns {
		return nil, ErrShortCiphertext
	}
	return a.aead.Open(nil, buf[:ns], buf[ns:], aad)
}
