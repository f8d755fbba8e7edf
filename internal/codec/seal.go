package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// Blob layout:
//
//	[version 1][alg 1][iv 12][tag 32][ciphertext]
//
// The tag is a BLAKE3 keyed hash over header || iv || ciphertext computed with a
// MAC key that is independent of the encryption key.
const (
	BlobVersion byte = 0x01
	AlgAESGCM   byte = 0x01

	headerSize = 2
	ivSize     = 12
	tagSize    = 32
	// minBlobSize includes the 16-byte GCM authentication tag inside the ciphertext.
	minBlobSize = headerSize + ivSize + tagSize + 16
	keySize     = 32
)

// Namespace separates key material so credentials and offline snapshots never
// share keys even though they come from the same secrets.
type Namespace string

const (
	NamespaceCredential Namespace = "admission.credential"
	NamespaceSnapshot   Namespace = "admission.snapshot"
)

// Sealer encrypts and authenticates opaque bytes under one namespace.
type Sealer struct {
	aead   cipher.AEAD
	macKey []byte
}

// NewSealer derives the namespace's encryption and MAC keys with HKDF-SHA256.
// The two secrets must differ.
func NewSealer(encSecret, macSecret []byte, ns Namespace) (*Sealer, error) {
	if len(encSecret) == 0 || len(macSecret) == 0 {
		return nil, fmt.Errorf("codec: encryption and MAC secrets are required")
	}
	if subtle.ConstantTimeCompare(encSecret, macSecret) == 1 {
		return nil, fmt.Errorf("codec: encryption and MAC secrets must differ")
	}
	encKey, err := deriveKey(encSecret, string(ns)+".enc.v1")
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(macSecret, string(ns)+".mac.v1")
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Sealer{aead: aead, macKey: macKey}, nil
}

func deriveKey(ikm []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", info, err)
	}
	return key, nil
}

// Seal encrypts plaintext with a fresh random IV and attaches the detached tag.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	header := []byte{BlobVersion, AlgAESGCM}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}
	ciphertext := s.aead.Seal(nil, iv, plaintext, header)

	tag, err := s.tag(header, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, headerSize+ivSize+tagSize+len(ciphertext))
	out = append(out, header...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// Open verifies the tag in constant time and only then decrypts.
// Every failure matches ErrUntrusted.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, untrusted(ErrMalformed, "blob too short")
	}
	if blob[0] != BlobVersion || blob[1] != AlgAESGCM {
		return nil, untrusted(ErrUnsupportedVersion, fmt.Sprintf("version %d alg %d", blob[0], blob[1]))
	}
	if len(blob) < minBlobSize {
		return nil, untrusted(ErrMalformed, fmt.Sprintf("blob is %d bytes, minimum is %d", len(blob), minBlobSize))
	}
	header := blob[:headerSize]
	iv := blob[headerSize : headerSize+ivSize]
	stored := blob[headerSize+ivSize : headerSize+ivSize+tagSize]
	ciphertext := blob[headerSize+ivSize+tagSize:]

	expected, err := s.tag(header, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected, stored) != 1 {
		return nil, untrusted(ErrTagMismatch, "")
	}
	plaintext, err := s.aead.Open(nil, iv, ciphertext, header)
	if err != nil {
		return nil, untrusted(ErrTagMismatch, "aead open failed")
	}
	return plaintext, nil
}

func (s *Sealer) tag(header, iv, ciphertext []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(s.macKey)
	if err != nil {
		return nil, fmt.Errorf("initializing BLAKE3 keyed hash: %w", err)
	}
	h.Write(header)
	h.Write(iv)
	h.Write(ciphertext)
	return h.Sum(nil), nil
}
