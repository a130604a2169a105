package dispatch

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	expoTokenPattern = regexp.MustCompile(`^Expo(nent)?PushToken\[.+\]$`)
	expoUUIDPattern  = regexp.MustCompile(`(?i)^[a-z\d]{8}-[a-z\d]{4}-[a-z\d]{4}-[a-z\d]{4}-[a-z\d]{12}$`)
	apnsTokenPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}){32,100}$`)
)

// IsExpoPushToken reports whether token has the shape Expo accepts.
func IsExpoPushToken(token string) bool {
	return expoTokenPattern.MatchString(token) || expoUUIDPattern.MatchString(token)
}

// WebSubscription is the browser PushSubscription JSON stored as a web "token".
type WebSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// ParseWebSubscription decodes and checks a web push token.
func ParseWebSubscription(token string) (WebSubscription, error) {
	var sub WebSubscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil {
		return sub, fmt.Errorf("%w: subscription is not valid json", ErrInvalidToken)
	}
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return sub, fmt.Errorf("%w: subscription endpoint is not a url", ErrInvalidToken)
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return sub, fmt.Errorf("%w: subscription keys are incomplete", ErrInvalidToken)
	}
	return sub, nil
}

// ValidateToken applies the provider-specific format predicate to a token.
func ValidateToken(provider Provider, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	switch provider {
	case ProviderFCM:
		if strings.ContainsAny(token, " \t\r\n") || len(token) > 4096 {
			return fmt.Errorf("%w: malformed fcm registration token", ErrInvalidToken)
		}
	case ProviderExpo:
		if !IsExpoPushToken(token) {
			return fmt.Errorf("%w: not an expo push token", ErrInvalidToken)
		}
	case ProviderAPNS:
		if !apnsTokenPattern.MatchString(token) {
			return fmt.Errorf("%w: apns token must be hex", ErrInvalidToken)
		}
	case ProviderWeb:
		if _, err := ParseWebSubscription(token); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return nil
}

// Redact shortens a token for logging.
func Redact(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}
