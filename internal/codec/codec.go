package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Codec encodes credential payloads into sealed blobs.
type Codec struct {
	sealer *Sealer
}

// New creates a Codec using the credential key namespace.
func New(encSecret, macSecret []byte) (*Codec, error) {
	s, err := NewSealer(encSecret, macSecret, NamespaceCredential)
	if err != nil {
		return nil, err
	}
	return &Codec{sealer: s}, nil
}

// Encode validates and seals the payload. It returns the blob and the content hash.
// Encoding the same payload twice yields different blobs but the same hash.
func (c *Codec) Encode(p Payload) (blob []byte, hash string, err error) {
	plain, err := Canonical(p)
	if err != nil {
		return nil, "", fmt.Errorf("encoding payload: %w", err)
	}
	blob, err = c.sealer.Seal(plain)
	if err != nil {
		return nil, "", err
	}
	return blob, hashBytes(plain), nil
}

// Decode authenticates and decrypts a blob and returns the payload and its hash.
// Every failure matches ErrUntrusted.
func (c *Codec) Decode(blob []byte) (Payload, string, error) {
	plain, err := c.sealer.Open(blob)
	if err != nil {
		return Payload{}, "", err
	}
	var p Payload
	if err := decMode.Unmarshal(plain, &p); err != nil {
		return Payload{}, "", untrusted(ErrMalformed, err.Error())
	}
	if err := p.Validate(); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return Payload{}, "", untrusted(ErrUnsupportedVersion, err.Error())
		}
		return Payload{}, "", untrusted(ErrMalformed, err.Error())
	}
	return p, hashBytes(plain), nil
}

// EncodeText returns the QR text form of a blob.
func EncodeText(blob []byte) string {
	return base64.RawURLEncoding.EncodeToString(blob)
}

// DecodeText parses the QR text form.
func DecodeText(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, untrusted(ErrMalformed, "not base64url")
	}
	return b, nil
}

// DecodeString is DecodeText followed by Decode.
func (c *Codec) DecodeString(s string) (Payload, string, error) {
	blob, err := DecodeText(s)
	if err != nil {
		return Payload{}, "", err
	}
	return c.Decode(blob)
}
