package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case subject == SubjectDecisionMade:
		var p DecisionMadePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.Decision == "" {
			return fmt.Errorf("schema validation failed for %s: decision is empty", subject)
		}
	case subject == SubjectSchedule:
		var p ScheduleRequestPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if strings.TrimSpace(p.Payload) == "" {
			return fmt.Errorf("schema validation failed for %s: payload is empty", subject)
		}
	case strings.HasPrefix(subject, SubjectExpertPrefix+"."):
		return ValidateExpertReply(data)
	}
	return nil
}

// ValidateExpertReply checks an expert worker reply.
func ValidateExpertReply(data []byte) error {
	var p ExpertReplyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("expert reply: %w", err)
	}
	if p.Error == "" && strings.TrimSpace(p.Decision) == "" {
		return fmt.Errorf("expert reply: decision is empty")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("expert reply: confidence %v out of range", p.Confidence)
	}
	return nil
}
