// Package lineio connects the planner loop to line-oriented streams: contexts
// are read from one stream and decisions written as JSON lines to another.
package lineio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Strob0t/Conclave/internal/adapter/staticaction"
	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/service"
)

const maxLine = 1 << 20

// input is the JSON form of one context line. Plain text lines are taken
// as a payload of the normal class.
type input struct {
	Payload      string `json:"payload"`
	ContextClass string `json:"context_class"`
}

// Producer reads one planning context per line.
type Producer struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
}

// NewProducer reads contexts from r.
func NewProducer(r io.Reader) *Producer {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Producer{scanner: sc}
}

// BuildContext returns the next non-empty line. End of input yields
// service.ErrPlannerDone.
func (p *Producer) BuildContext(_ context.Context) (payload, class string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var in input
			if err := json.Unmarshal([]byte(line), &in); err != nil {
				return "", "", fmt.Errorf("parse context line: %w", err)
			}
			return in.Payload, in.ContextClass, nil
		}
		return line, string(decision.ClassNormal), nil
	}
	if err := p.scanner.Err(); err != nil {
		return "", "", fmt.Errorf("read context: %w", err)
	}
	return "", "", service.ErrPlannerDone
}

// Consumer writes every applied decision as one JSON line.
type Consumer struct {
	*staticaction.Consumer
	mu  sync.Mutex
	enc *json.Encoder
}

// NewConsumer writes decisions to w; defaults maps classes to default decisions.
func NewConsumer(w io.Writer, defaults map[string]string) *Consumer {
	return &Consumer{Consumer: staticaction.New(defaults), enc: json.NewEncoder(w)}
}

// Apply writes d.
func (c *Consumer) Apply(_ context.Context, d decision.Consensus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(d)
}
