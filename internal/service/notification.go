package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/port/broadcast"
	"github.com/Strob0t/Conclave/internal/port/notifier"
	"github.com/Strob0t/Conclave/internal/resilience"
)

// DefaultAlertEvents are the broadcast events forwarded to notifiers when
// no explicit list is configured.
var DefaultAlertEvents = []string{broadcast.EventOverride, broadcast.EventBreakerChange}

// NotificationService turns scheduler events into operator alerts and fans
// them out to every configured notifier. It implements broadcast.Broadcaster.
type NotificationService struct {
	notifiers     []notifier.Notifier
	enabledEvents map[string]bool
}

// NewNotificationService creates a NotificationService. An empty event list
// selects DefaultAlertEvents.
func NewNotificationService(notifiers []notifier.Notifier, enabledEvents []string) *NotificationService {
	if len(enabledEvents) == 0 {
		enabledEvents = DefaultAlertEvents
	}
	enabled := make(map[string]bool, len(enabledEvents))
	for _, e := range enabledEvents {
		enabled[e] = true
	}
	return &NotificationService{
		notifiers:     notifiers,
		enabledEvents: enabled,
	}
}

// BroadcastEvent converts an event into a notification and sends it.
// Events without an alert form are ignored.
func (s *NotificationService) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	if !s.enabledEvents[eventType] {
		return
	}
	n, ok := alertFor(eventType, payload)
	if !ok {
		return
	}
	s.Notify(ctx, n)
}

// Notify sends a notification to all notifiers.
// Errors are logged but do not interrupt delivery to other notifiers.
func (s *NotificationService) Notify(ctx context.Context, n notifier.Notification) {
	for _, provider := range s.notifiers {
		if err := provider.Send(ctx, n); err != nil {
			slog.WarnContext(ctx, "notification send failed",
				"notifier", provider.Name(),
				"title", n.Title,
				"error", err,
			)
			continue
		}
		slog.DebugContext(ctx, "notification sent", "notifier", provider.Name(), "title", n.Title)
	}
}

// NotifierCount returns the number of notifiers.
func (s *NotificationService) NotifierCount() int {
	return len(s.notifiers)
}

func alertFor(eventType string, payload any) (notifier.Notification, bool) {
	switch p := payload.(type) {
	case decision.Consensus:
		return decisionAlert(eventType, p)
	case resilience.BreakerStatus:
		return breakerAlert(eventType, p)
	}
	return notifier.Notification{}, false
}

func decisionAlert(eventType string, c decision.Consensus) (notifier.Notification, bool) {
	var level, title string
	switch {
	case c.OverrideLevel >= decision.OverrideForce:
		level, title = notifier.LevelError, "Stuck loop: default decision forced"
	case c.OverrideLevel == decision.OverrideExplore:
		level, title = notifier.LevelWarning, "Stuck loop: exploring alternative providers"
	case c.IsFallback && eventType == broadcast.EventDecision:
		level, title = notifier.LevelWarning, "Fallback decision emitted"
	default:
		return notifier.Notification{}, false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "decision: %s\nconfidence: %.2f", c.Payload, c.Confidence)
	if len(c.Contributors) > 0 {
		fmt.Fprintf(&b, "\nproviders: %s", strings.Join(c.Contributors, ", "))
	}
	if c.CorrelationID != "" {
		fmt.Fprintf(&b, "\ncorrelation: %s", c.CorrelationID)
	}
	return notifier.Notification{Title: title, Message: b.String(), Level: level, Source: eventType}, true
}

func breakerAlert(eventType string, st resilience.BreakerStatus) (notifier.Notification, bool) {
	var level, title string
	switch st.State {
	case resilience.StateOpen.String():
		level, title = notifier.LevelError, "Provider circuit opened: "+st.ProviderID
	case resilience.StateClosed.String():
		level, title = notifier.LevelInfo, "Provider recovered: "+st.ProviderID
	default:
		return notifier.Notification{}, false
	}
	return notifier.Notification{
		Title:   title,
		Message: fmt.Sprintf("state: %s\nconsecutive failures: %d", st.State, st.Failures),
		Level:   level,
		Source:  eventType,
	}, true
}
