package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateDecisionMade(t *testing.T) {
	data := []byte(`{"correlation_id":"c1","context_class":"normal","decision":"explore","confidence":0.7,"contributing_provider_ids":["a"],"is_fallback":false,"override_level":0}`)
	if err := Validate(SubjectDecisionMade, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(SubjectDecisionMade, []byte(`{"decision":""}`)); err == nil {
		t.Fatal("expected error for empty decision")
	}
}

func TestValidateSchedule(t *testing.T) {
	if err := Validate(SubjectSchedule, []byte(`{"payload":"what next","context_class":"urgent"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(SubjectSchedule, []byte(`{"payload":"  "}`)); err == nil {
		t.Fatal("expected error for blank payload")
	}
}

func TestValidateExpertReply(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"ok", `{"decision":"hold","confidence":0.4}`, false},
		{"worker error", `{"error":"model offline"}`, false},
		{"empty decision", `{"decision":"","confidence":0.4}`, true},
		{"confidence too high", `{"decision":"hold","confidence":1.5}`, true},
		{"wrong type", `{"decision":42}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(ExpertSubject("w1"), []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	err := Validate(SubjectDecisionMade, []byte(`{not json`))
	if err == nil || !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected invalid JSON error, got %v", err)
	}
}

func TestValidateUnknownSubjectPasses(t *testing.T) {
	if err := Validate("something.else", []byte(`{"any":"thing"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
