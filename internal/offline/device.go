package offline

import (
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/codec"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/model"
)

// ErrWrongDevice is returned when a snapshot is opened on a device it was not
// exported to.
var ErrWrongDevice = errors.New("snapshot was exported to another device")

// PendingEntry is an offline acceptance waiting to be reconciled.
type PendingEntry struct {
	Hash          string
	ParticipantID string
	DeviceID      string
	ScannedAt     time.Time
	Operator      string
}

// Ledger is a device's local record of offline acceptances. It is what the
// device uploads at sync time.
type Ledger struct {
	entries       []PendingEntry
	byHash        map[string]struct{}
	byParticipant map[string]struct{}
}

func newLedger() *Ledger {
	return &Ledger{byHash: make(map[string]struct{}), byParticipant: make(map[string]struct{})}
}

func (l *Ledger) add(e PendingEntry) {
	l.entries = append(l.entries, e)
	l.byHash[e.Hash] = struct{}{}
	l.byParticipant[e.ParticipantID] = struct{}{}
}

// Len returns the number of pending entries.
func (l *Ledger) Len() int { return len(l.entries) }

// Entries returns a copy of the pending entries in scan order.
func (l *Ledger) Entries() []PendingEntry {
	return append([]PendingEntry(nil), l.entries...)
}

// Records converts the ledger into the records submitted for reconciliation.
func (l *Ledger) Records() []model.DeviceRecord {
	out := make([]model.DeviceRecord, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, model.DeviceRecord{Hash: e.Hash, DeviceID: e.DeviceID, ScannedAt: e.ScannedAt, Operator: e.Operator})
	}
	return out
}

// Device validates scans against one snapshot. A Device belongs to a single
// scanner and is not safe for concurrent use.
type Device struct {
	id       string
	operator string
	snap     *Snapshot
	idx      map[string]Entry
	codec    *codec.Codec
	ledger   *Ledger
	now      func() time.Time
}

// OpenDevice opens blob for deviceID. c decodes QR text scans; with a nil
// codec only content hashes are accepted.
func OpenDevice(sealer *codec.Sealer, c *codec.Codec, blob []byte, deviceID, operator string) (*Device, error) {
	snap, err := openSnapshot(sealer, blob)
	if err != nil {
		return nil, err
	}
	if snap.DeviceID != deviceID {
		return nil, ErrWrongDevice
	}
	return &Device{
		id:       deviceID,
		operator: operator,
		snap:     snap,
		idx:      snap.index(),
		codec:    c,
		ledger:   newLedger(),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Snapshot returns the opened snapshot.
func (d *Device) Snapshot() *Snapshot { return d.snap }

// Ledger returns the device's pending acceptances.
func (d *Device) Ledger() *Ledger { return d.ledger }

// ValidateOffline decides a scan locally. Accepted scans are appended to the
// ledger; a second scan of the same credential or participant on this device
// is a duplicate.
func (d *Device) ValidateOffline(scanned string) model.Decision {
	at := d.now()
	dec, entry, ok := check(d.snap, d.idx, d.codec, scanned, at)
	if !ok {
		return dec
	}
	if _, seen := d.ledger.byHash[entry.Hash]; seen {
		return rejectEntry(model.ResultDuplicate, model.ReasonAlreadyUsed, d.snap.EventID, entry, at)
	}
	if _, seen := d.ledger.byParticipant[entry.ParticipantID]; seen {
		return rejectEntry(model.ResultDuplicate, model.ReasonAlreadyCheckedIn, d.snap.EventID, entry, at)
	}
	d.ledger.add(PendingEntry{
		Hash:          entry.Hash,
		ParticipantID: entry.ParticipantID,
		DeviceID:      d.id,
		ScannedAt:     at,
		Operator:      d.operator,
	})
	return dec
}

// check runs the checks a snapshot can answer: snapshot expiry, recognition,
// membership, credential expiry and the event window.
func check(snap *Snapshot, idx map[string]Entry, c *codec.Codec, scanned string, at time.Time) (model.Decision, Entry, bool) {
	if at.After(snap.Expires()) {
		return model.Reject(model.ResultExpired, model.ReasonSnapshotExpired, snap.EventID, nil, at), Entry{}, false
	}

	hash := scanned
	if !codec.IsHash(scanned) {
		if c == nil {
			return model.Reject(model.ResultInvalid, model.ReasonUnrecognized, snap.EventID, nil, at), Entry{}, false
		}
		p, h, err := c.DecodeString(scanned)
		if err != nil {
			return model.Reject(model.ResultInvalid, model.ReasonUnrecognized, snap.EventID, nil, at), Entry{}, false
		}
		if p.EventID != snap.EventID {
			return model.Reject(model.ResultInvalid, model.ReasonWrongEvent, snap.EventID, nil, at), Entry{}, false
		}
		hash = h
	}

	entry, found := idx[hash]
	if !found {
		return model.Reject(model.ResultInvalid, model.ReasonNotFound, snap.EventID, nil, at), Entry{}, false
	}
	if entry.expiredAt(at) {
		return rejectEntry(model.ResultExpired, model.ReasonExpired, snap.EventID, entry, at), entry, false
	}
	if at.Before(time.UnixMilli(snap.WindowOpens)) {
		return rejectEntry(model.ResultInvalid, model.ReasonTooEarly, snap.EventID, entry, at), entry, false
	}
	if at.After(time.UnixMilli(snap.WindowCloses)) {
		return rejectEntry(model.ResultInvalid, model.ReasonTooLate, snap.EventID, entry, at), entry, false
	}
	return model.Decision{
		Accepted:      true,
		CredentialID:  entry.CredentialID,
		EventID:       snap.EventID,
		ParticipantID: entry.ParticipantID,
		DecidedAt:     at,
	}, entry, true
}

func rejectEntry(result model.AttemptResult, reason model.RejectReason, eventID string, e Entry, at time.Time) model.Decision {
	d := model.Reject(result, reason, eventID, nil, at)
	d.CredentialID = e.CredentialID
	d.ParticipantID = e.ParticipantID
	return d
}
