package model

import "time"

// RejectReason is a machine readable reason for a rejected scan.
type RejectReason string

const (
	ReasonNotFound          RejectReason = "not_found"
	ReasonUnrecognized      RejectReason = "unrecognized"
	ReasonAlreadyUsed       RejectReason = "already_used"
	ReasonExpired           RejectReason = "expired"
	ReasonInvalidated       RejectReason = "invalidated"
	ReasonWrongEvent        RejectReason = "wrong_event"
	ReasonTooEarly          RejectReason = "too_early"
	ReasonTooLate           RejectReason = "too_late"
	ReasonAlreadyCheckedIn  RejectReason = "already_checked_in"
	ReasonAnchorUnconfirmed RejectReason = "anchor_unconfirmed"
	ReasonBlocked           RejectReason = "blocked"
	ReasonRateLimited       RejectReason = "rate_limited"
	ReasonSnapshotExpired   RejectReason = "snapshot_expired"
	ReasonUnavailable       RejectReason = "unavailable"
)

// rejectMessages are operator-facing explanations; none of them leak cryptographic detail.
var rejectMessages = map[RejectReason]string{
	ReasonNotFound:          "Ticket not recognized. Please see staff.",
	ReasonUnrecognized:      "Ticket not recognized. Please see staff.",
	ReasonAlreadyUsed:       "Ticket already used.",
	ReasonExpired:           "Ticket has expired.",
	ReasonInvalidated:       "Ticket is no longer valid. Please see staff.",
	ReasonWrongEvent:        "Ticket is for a different event.",
	ReasonTooEarly:          "Entry is not open yet. Please retry later.",
	ReasonTooLate:           "Entry has closed for this event.",
	ReasonAlreadyCheckedIn:  "Participant is already checked in.",
	ReasonAnchorUnconfirmed: "Ticket could not be verified yet. Please see staff.",
	ReasonBlocked:           "Scanner is blocked. Please contact an operator.",
	ReasonRateLimited:       "Too many scans. Please retry in a moment.",
	ReasonSnapshotExpired:   "Offline ticket list has expired. Please resync the device.",
	ReasonUnavailable:       "Verification unavailable. Please retry.",
}

// Message returns the human readable explanation for the reason.
func (r RejectReason) Message() string {
	if m, ok := rejectMessages[r]; ok {
		return m
	}
	return "Ticket rejected. Please see staff."
}

// Rejection describes why a scan was not accepted.
type Rejection struct {
	Result  AttemptResult `json:"result"`  // duplicate, expired, invalid, ...
	Reason  RejectReason  `json:"reason"`  // Specific reason code
	Message string        `json:"message"` // Human readable, safe for scanners
}

// Decision is the value returned for every validation call.
// Exactly one of Accepted or Rejection describes the outcome.
type Decision struct {
	Accepted      bool       `json:"accepted"`
	Rejection     *Rejection `json:"rejection,omitempty"`
	CredentialID  string     `json:"credentialId,omitempty"`
	EventID       string     `json:"eventId"`
	ParticipantID string     `json:"participantId,omitempty"`
	AttendanceID  string     `json:"attendanceId,omitempty"`
	DecidedAt     time.Time  `json:"decidedAt"`
}

// Result returns the audit result for the decision.
func (d Decision) Result() AttemptResult {
	if d.Accepted {
		return ResultSuccess
	}
	if d.Rejection == nil {
		return ResultFailed
	}
	return d.Rejection.Result
}

// Accept builds an accepted decision for a credential.
func Accept(c *Credential, attendanceID string, at time.Time) Decision {
	return Decision{
		Accepted:      true,
		CredentialID:  c.ID,
		EventID:       c.EventID,
		ParticipantID: c.ParticipantID,
		AttendanceID:  attendanceID,
		DecidedAt:     at,
	}
}

// Reject builds a rejected decision. c may be nil when the credential is unknown.
func Reject(result AttemptResult, reason RejectReason, eventID string, c *Credential, at time.Time) Decision {
	d := Decision{
		Rejection: &Rejection{Result: result, Reason: reason, Message: reason.Message()},
		EventID:   eventID,
		DecidedAt: at,
	}
	if c != nil {
		d.CredentialID = c.ID
		d.ParticipantID = c.ParticipantID
	}
	return d
}

// RejectForState maps a non-active credential state to its rejection.
func RejectForState(c *Credential, eventID string, at time.Time) Decision {
	switch c.State {
	case CredentialUsed:
		return Reject(ResultDuplicate, ReasonAlreadyUsed, eventID, c, at)
	case CredentialExpired:
		return Reject(ResultExpired, ReasonExpired, eventID, c, at)
	default:
		return Reject(ResultInvalid, ReasonInvalidated, eventID, c, at)
	}
}
