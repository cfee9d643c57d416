// Package perception defines the port that supplies decision requests.
package perception

import "context"

// Producer builds the input for one planning cycle. It must not depend on
// scheduler side effects.
type Producer interface {
	BuildContext(ctx context.Context) (payload string, class string, err error)
}
