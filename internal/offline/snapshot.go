// Package offline exports sealed credential snapshots to scanning devices and
// validates scans against them without touching live state.
package offline

import (
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/codec"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion uint8 = 2

// maxSnapshotSize bounds decompression of an untrusted blob.
const maxSnapshotSize = 64 << 20

var (
	ErrSnapshotUntrusted   = errors.New("offline snapshot failed authentication")
	ErrSnapshotMalformed   = errors.New("offline snapshot is malformed")
	ErrUnsupportedSnapshot = errors.New("offline snapshot version is not supported")
)

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("offline: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSnapshotSize))
	if err != nil {
		panic("offline: zstd decoder initialization failed: " + err.Error())
	}
}

// Entry is one active credential as seen by an offline device.
type Entry struct {
	Hash          string `cbor:"1,keyasint"`
	CredentialID  string `cbor:"2,keyasint"`
	ParticipantID string `cbor:"3,keyasint"`
	ExpiresAt     int64  `cbor:"4,keyasint,omitempty"` // Unix milliseconds rounded up, zero for none
}

func (e Entry) expiredAt(t time.Time) bool {
	return e.ExpiresAt != 0 && t.After(time.UnixMilli(e.ExpiresAt))
}

// Snapshot is the plaintext content of an exported batch. Times are Unix
// milliseconds; bounds that admit are rounded outward so an offline device
// never rejects a scan the online path would accept.
type Snapshot struct {
	Version      uint8   `cbor:"1,keyasint"`
	BatchID      string  `cbor:"2,keyasint"`
	EventID      string  `cbor:"3,keyasint"`
	DeviceID     string  `cbor:"4,keyasint"`
	GeneratedAt  int64   `cbor:"5,keyasint"`
	ExpiresAt    int64   `cbor:"6,keyasint"`
	WindowOpens  int64   `cbor:"7,keyasint"` // Event start minus early tolerance
	WindowCloses int64   `cbor:"8,keyasint"` // Event end plus late tolerance
	Credentials  []Entry `cbor:"9,keyasint"`
}

// Expires returns the snapshot expiry.
func (s *Snapshot) Expires() time.Time { return time.UnixMilli(s.ExpiresAt).UTC() }

// ceilMilli returns t in Unix milliseconds, rounded up.
func ceilMilli(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return ms
}

// index maps hashes to entries.
func (s *Snapshot) index() map[string]Entry {
	m := make(map[string]Entry, len(s.Credentials))
	for _, e := range s.Credentials {
		m[e.Hash] = e
	}
	return m
}

// sealSnapshot produces the on-the-wire blob: CBOR, then zstd, then sealed.
func sealSnapshot(s *codec.Sealer, snap *Snapshot) ([]byte, error) {
	raw, err := codec.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	blob, err := s.Seal(zstdEncoder.EncodeAll(raw, nil))
	if err != nil {
		return nil, fmt.Errorf("sealing snapshot: %w", err)
	}
	return blob, nil
}

// openSnapshot reverses sealSnapshot.
func openSnapshot(s *codec.Sealer, blob []byte) (*Snapshot, error) {
	compressed, err := s.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUntrusted, err)
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotMalformed, err)
	}
	var snap Snapshot
	if err := codec.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotMalformed, err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, snap.Version)
	}
	return &snap, nil
}
