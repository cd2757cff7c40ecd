package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
)

var errMissingEvent = errors.New("notification has no event")

type notification struct {
	Type   string  `json:"type"`
	Event  string  `json:"event"`
	Object payment `json:"object"`
}

// ParseNotification decodes a webhook body. Malformed bodies are validation
// errors; a missing payment id is left for the handler to reject so that
// events it ignores are still acknowledged.
func ParseNotification(body []byte) (domain.Notification, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return domain.Notification{}, sharedDomain.ValidationError("parse notification", fmt.Errorf("decode: %w", err))
	}
	if n.Event == "" {
		return domain.Notification{}, sharedDomain.ValidationError("parse notification", errMissingEvent)
	}
	return domain.Notification{Event: n.Event, Charge: *n.Object.toCharge()}, nil
}
