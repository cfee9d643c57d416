// Package llmjson holds the prompt and answer schema shared by the
// chat-completion style provider adapters.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SystemPrompt instructs a chat model to answer in the expected schema.
const SystemPrompt = `You are one expert in a panel that decides the next action.
Reply with a single JSON object and nothing else:
{"decision": "<short action name>", "confidence": <number between 0 and 1>}`

// DefaultConfidence is used when a model omits the confidence field.
const DefaultConfidence = 0.5

// Answer is the decoded model reply.
type Answer struct {
	Decision   string
	Confidence float64
}

type wire struct {
	Decision   string   `json:"decision"`
	Action     string   `json:"action"`
	Confidence *float64 `json:"confidence"`
}

// Parse decodes a model reply. Code fences and leading prose before the
// first '{' are tolerated; anything else that fails the schema is an error.
func Parse(content string) (Answer, error) {
	body := extractObject(content)
	if body == "" {
		return Answer{}, errors.New("no JSON object in reply")
	}
	var w wire
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return Answer{}, fmt.Errorf("decode reply: %w", err)
	}
	d := strings.TrimSpace(w.Decision)
	if d == "" {
		d = strings.TrimSpace(w.Action)
	}
	if d == "" {
		return Answer{}, errors.New("reply has no decision")
	}
	conf := DefaultConfidence
	if w.Confidence != nil {
		conf = *w.Confidence
	}
	if conf < 0 || conf > 1 {
		return Answer{}, fmt.Errorf("confidence %v outside [0,1]", conf)
	}
	return Answer{Decision: d, Confidence: conf}, nil
}

func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
