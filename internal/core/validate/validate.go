// Package validate provides shared validation functions.
package validate

import (
	"fmt"
	"strings"
)

// MessageBody validates a message body is non-empty after trimming whitespace.
func MessageBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("message body is required")
	}
	return nil
}

// Username validates a username is non-empty and contains no path separators
// or whitespace, since it is embedded in a request path.
func Username(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("username is required")
	}
	if strings.ContainsAny(name, "/?# \t\n") {
		return fmt.Errorf("username %q contains invalid characters", name)
	}
	return nil
}
