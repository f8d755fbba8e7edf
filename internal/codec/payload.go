// Package codec turns credential payloads into tamper-evident encrypted blobs and back.
//
// Payloads are serialized with CBOR Core Deterministic Encoding so the same logical
// payload always yields the same bytes; the content hash is computed over those bytes
// and is therefore independent of the random IV used for encryption.
package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// MetadataVersion1 is the only metadata layout currently understood.
const MetadataVersion1 uint8 = 1

// nonceSize is the number of random bytes embedded in every payload so two
// credentials for the same registration never share a hash.
const nonceSize = 16

// encMode produces Core Deterministic Encoding: sorted keys, shortest integers,
// no indefinite-length items.
var encMode cbor.EncMode

// decMode rejects duplicate map keys so a blob has exactly one interpretation.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Payload is the plaintext content of a credential.
type Payload struct {
	RegistrationID string   `cbor:"1,keyasint"`
	EventID        string   `cbor:"2,keyasint"`
	ParticipantID  string   `cbor:"3,keyasint"`
	IssuedAt       int64    `cbor:"4,keyasint"` // Unix seconds
	Nonce          []byte   `cbor:"5,keyasint"`
	Metadata       Metadata `cbor:"6,keyasint"`
}

// Metadata is a closed, versioned structure. Exactly the variant matching
// Version must be set.
type Metadata struct {
	Version uint8       `cbor:"1,keyasint"`
	V1      *MetadataV1 `cbor:"2,keyasint,omitempty"`
}

// MetadataV1 carries ticket descriptors shown to staff.
type MetadataV1 struct {
	TicketType string `cbor:"1,keyasint,omitempty"`
	Tier       string `cbor:"2,keyasint,omitempty"`
	Seat       string `cbor:"3,keyasint,omitempty"`
	Issuer     string `cbor:"4,keyasint,omitempty"`
}

// NewPayload builds a payload with a fresh random nonce.
func NewPayload(registrationID, eventID, participantID string, issuedAt time.Time, meta MetadataV1) (Payload, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Payload{}, fmt.Errorf("generating payload nonce: %w", err)
	}
	return Payload{
		RegistrationID: registrationID,
		EventID:        eventID,
		ParticipantID:  participantID,
		IssuedAt:       issuedAt.Unix(),
		Nonce:          nonce,
		Metadata:       Metadata{Version: MetadataVersion1, V1: &meta},
	}, nil
}

// Validate checks required fields and the metadata variant.
func (p Payload) Validate() error {
	if p.RegistrationID == "" || p.EventID == "" || p.ParticipantID == "" {
		return fmt.Errorf("payload: registration, event and participant ids are required")
	}
	if len(p.Nonce) == 0 {
		return fmt.Errorf("payload: nonce is required")
	}
	return p.Metadata.validate()
}

func (m Metadata) validate() error {
	switch m.Version {
	case MetadataVersion1:
		if m.V1 == nil {
			return fmt.Errorf("metadata v1: %w", ErrUnsupportedVersion)
		}
		return nil
	default:
		return fmt.Errorf("metadata version %d: %w", m.Version, ErrUnsupportedVersion)
	}
}

// Canonical returns the deterministic CBOR encoding of the payload.
func Canonical(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(p)
}

// ContentHash returns the lowercase hex SHA-256 of the canonical payload bytes.
func ContentHash(p Payload) (string, error) {
	b, err := Canonical(p)
	if err != nil {
		return "", err
	}
	return hashBytes(b), nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IsHash reports whether s looks like a content hash rather than an encoded blob.
func IsHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Marshal encodes v with the deterministic CBOR mode. Used for offline snapshots.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
