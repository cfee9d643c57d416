package messagequeue

// DecisionMadePayload is the schema for decisions.made messages.
type DecisionMadePayload struct {
	CorrelationID string   `json:"correlation_id"`
	ContextClass  string   `json:"context_class"`
	Decision      string   `json:"decision"`
	Confidence    float64  `json:"confidence"`
	Contributors  []string `json:"contributing_provider_ids"`
	IsFallback    bool     `json:"is_fallback"`
	OverrideLevel int      `json:"override_level"`
	DecidedAt     string   `json:"decided_at"`
}

// ScheduleRequestPayload is the schema for conclave.schedule requests.
type ScheduleRequestPayload struct {
	Payload       string `json:"payload"`
	ContextClass  string `json:"context_class"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ScheduleReplyPayload is the reply to a conclave.schedule request.
type ScheduleReplyPayload struct {
	DecisionMadePayload
	Error string `json:"error,omitempty"`
}

// ExpertRequestPayload is sent to conclave.expert.{worker}.
type ExpertRequestPayload struct {
	Payload       string `json:"payload"`
	CorrelationID string `json:"correlation_id,omitempty"`
	DeadlineMS    int64  `json:"deadline_ms"`
}

// ExpertReplyPayload is the answer of an expert worker.
type ExpertReplyPayload struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}
