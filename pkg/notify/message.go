package notify

import (
	notification "github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// Message is the platform-neutral push content rendered from a Payload.
type Message struct {
	Title    string
	Body     string
	ImageURL string
	Sound    string
	Data     map[string]string
}

// DeviceSet is every delivery target registered for one user, bucketed by platform.
type DeviceSet struct {
	FCMTokens        []string                           `json:"fcm_tokens"`
	APNSTokens       []string                           `json:"apns_tokens"`
	WebSubscriptions []notification.WebPushSubscription `json:"web_subscriptions"`
}

// Empty reports whether the user has no registered device at all.
func (d *DeviceSet) Empty() bool {
	return d == nil || (len(d.FCMTokens) == 0 && len(d.APNSTokens) == 0 && len(d.WebSubscriptions) == 0)
}

// State is the transient dispatch state of a gate.
type State struct {
	Initialized   bool `json:"isInitialized"`
	HasPermission bool `json:"hasPermission"`
	UnreadCount   int  `json:"unreadCount"`
}

// Ready is true once permission has been acquired.
func (s State) Ready() bool {
	return s.Initialized && s.HasPermission
}

// SendResult is the outcome of a gated send. Sends never return errors.
type SendResult int

const (
	// Failed covers invalid payloads and transport errors. The unread count is untouched.
	Failed SendResult = iota
	// Suppressed means the category preference is off and nothing was sent.
	Suppressed
	// Delivered means the transport accepted the notification.
	Delivered
)

func (r SendResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Suppressed:
		return "suppressed"
	default:
		return "failed"
	}
}
