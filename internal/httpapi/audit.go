package httpapi

import "github.com/FROSTR-ORG/igloo-signerd/internal/eventbus"

// eventbusAdminAction builds the structured audit-log entry SPEC_FULL's
// supplemented feature set calls for: every policy/admin action publishes
// one eventbus.Event so GET /api/events can show a live audit trail
// alongside signer/peer status changes.
func eventbusAdminAction(action string, data interface{}) eventbus.Event {
	return eventbus.Event{
		Kind:   "admin:" + action,
		Source: "httpapi",
		Data:   data,
	}
}
