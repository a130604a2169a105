package dispatch

import (
	"fmt"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// CanonicalAudience parses every user ID as a URN and returns the canonical
// strings, matching how the HTTP surface keys registrations.
func CanonicalAudience(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		u, err := urn.Parse(id)
		if err != nil {
			return nil, &ValidationError{Field: "audience", Reason: fmt.Sprintf("%q is not a user urn", id)}
		}
		out = append(out, u.String())
	}
	return out, nil
}
