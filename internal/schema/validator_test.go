package schema

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	hash := strings.Repeat("ab", 32)

	tests := []struct {
		name        string
		requestType string
		body        string
		wantFields  bool // schema violation expected
		wantErr     bool
	}{
		{"issue ok", RequestIssue, `{"registrationId":"R1"}`, false, false},
		{"issue unknown field", RequestIssue, `{"registrationId":"R1","admin":true}`, true, true},
		{"issue empty id", RequestIssue, `{"registrationId":""}`, true, true},
		{"validate ok", RequestValidate, `{"credential":"` + hash + `","eventId":"E1","deviceId":"gate-a"}`, false, false},
		{"validate missing event", RequestValidate, `{"credential":"` + hash + `"}`, true, true},
		{"checkin offline_sync refused", RequestCheckIn, `{"eventId":"E1","participantId":"P1","method":"offline_sync"}`, true, true},
		{"reconcile ok", RequestReconcile, `{"batchId":"B1","records":[{"hash":"` + hash + `","deviceId":"d","scannedAt":"2026-06-01T18:00:00Z"}]}`, false, false},
		{"reconcile bad hash", RequestReconcile, `{"batchId":"B1","records":[{"hash":"XYZ","deviceId":"d","scannedAt":"2026-06-01T18:00:00Z"}]}`, true, true},
		{"anchor uppercase hash", RequestAnchorSubmit, `{"hash":"` + strings.ToUpper(hash) + `"}`, true, true},
		{"not json", RequestIssue, `{`, false, true},
		{"unknown request type", "record.create", `{}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, err := v.Validate(tt.requestType, []byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			var verr *ValidationError
			if errors.As(err, &verr) != tt.wantFields {
				t.Errorf("schema violation = %v, want %v (err %v)", !tt.wantFields, tt.wantFields, err)
			}
			if verr != nil && len(verr.Fields) == 0 {
				t.Error("ValidationError has no fields")
			}
			if err == nil && version != SchemaVersions[tt.requestType] {
				t.Errorf("version = %q", version)
			}
		})
	}
}
