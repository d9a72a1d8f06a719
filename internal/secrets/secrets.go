// Package secrets opens credential blobs stored encrypted at rest.
//
// Blobs are Fernet tokens. Several keys may be configured (comma separated)
// to allow rotation: the first key seals, every key is tried when opening.
// With no key configured the opener passes blobs through unchanged, which
// suits development databases holding plaintext credentials.
package secrets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// ErrUndecryptable is returned when no configured key opens a blob.
var ErrUndecryptable = errors.New("secrets: blob cannot be decrypted with the configured keys")

// Opener decrypts and encrypts credential blobs.
type Opener struct {
	keys []*fernet.Key
}

// New parses a comma separated list of base64 Fernet keys. An empty string
// yields a passthrough Opener.
func New(keys string) (*Opener, error) {
	o := &Opener{}
	for _, raw := range strings.Split(keys, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		k, err := fernet.DecodeKey(raw)
		if err != nil {
			return nil, fmt.Errorf("secrets: decode key %d: %w", len(o.keys)+1, err)
		}
		o.keys = append(o.keys, k)
	}
	return o, nil
}

// Passthrough reports whether no key is configured.
func (o *Opener) Passthrough() bool { return len(o.keys) == 0 }

// Open returns the plaintext of blob.
func (o *Opener) Open(blob string) ([]byte, error) {
	if o.Passthrough() {
		return []byte(blob), nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(strings.TrimSpace(blob)), 0, o.keys)
	if msg == nil {
		return nil, ErrUndecryptable
	}
	return msg, nil
}

// Seal encrypts plaintext with the primary key.
func (o *Opener) Seal(plaintext []byte) (string, error) {
	if o.Passthrough() {
		return string(plaintext), nil
	}
	tok, err := fernet.EncryptAndSign(plaintext, o.keys[0])
	if err != nil {
		return "", fmt.Errorf("secrets: seal: %w", err)
	}
	return string(tok), nil
}
