package enums

import "fmt"

// NotificationSource identifies the channel that reported a payment outcome.
type NotificationSource string

const (
	SourceClientConfirmation NotificationSource = "client_confirmation"
	SourceWebhook            NotificationSource = "webhook"
	SourceProviderPoll       NotificationSource = "provider_poll"
)

var validNotificationSources = []NotificationSource{
	SourceClientConfirmation,
	SourceWebhook,
	SourceProviderPoll,
}

// String implements fmt.Stringer.
func (n NotificationSource) String() string {
	return string(n)
}

// IsValid reports whether the value is a known NotificationSource.
func (n NotificationSource) IsValid() bool {
	for _, candidate := range validNotificationSources {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationSource converts raw input into a NotificationSource.
func ParseNotificationSource(value string) (NotificationSource, error) {
	for _, candidate := range validNotificationSources {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification source %q", value)
}
