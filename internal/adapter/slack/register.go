package slack

import (
	"net/http"

	"github.com/Strob0t/Conclave/internal/port/notifier"
)

func init() {
	notifier.Register(providerName, func(webhookURL string, client *http.Client) notifier.Notifier {
		return NewNotifier(webhookURL, client)
	})
}
