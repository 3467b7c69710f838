// Package conversation derives canonical topic keys for one-to-one conversations.
package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the two participant ids of a conversation key.
const Separator = "-"

// DefaultTopicPrefix is the destination prefix the backend broadcasts conversations on.
const DefaultTopicPrefix = "/topic/conversations/"

// ErrInvalidArgument is returned when a participant id cannot be used in a key.
var ErrInvalidArgument = errors.New("invalid argument")

// Key identifies the unordered pair of participants in a conversation.
type Key string

// String returns the key as it appears in the topic destination.
func (k Key) String() string {
	return string(k)
}

// DeriveTopic returns the conversation key for two participant ids. The result
// is the same regardless of argument order: the lower id comes first. Ids that
// are both decimal integers are compared numerically, everything else is
// compared lexicographically. Ids are used verbatim in the result.
//
// A participant may hold a conversation with itself, in which case the key is
// the id repeated on both sides of the separator.
func DeriveTopic(idA, idB string) (Key, error) {
	if err := validateID(idA); err != nil {
		return "", err
	}
	if err := validateID(idB); err != nil {
		return "", err
	}

	lower, higher := idA, idB
	if compareIDs(idA, idB) > 0 {
		lower, higher = idB, idA
	}

	return Key(lower + Separator + higher), nil
}

// Destination returns the subscription destination for a key. An empty prefix
// falls back to DefaultTopicPrefix.
func Destination(prefix string, key Key) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + key.String()
}

// Participants splits a key back into its two ids.
func (k Key) Participants() (lower, higher string, err error) {
	lower, higher, ok := strings.Cut(string(k), Separator)
	if !ok || lower == "" || higher == "" {
		return "", "", fmt.Errorf("%w: malformed conversation key %q", ErrInvalidArgument, k)
	}
	return lower, higher, nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: participant id is empty", ErrInvalidArgument)
	}
	if strings.Contains(id, Separator) {
		return fmt.Errorf("%w: participant id %q contains %q", ErrInvalidArgument, id, Separator)
	}
	return nil
}

// compareIDs orders two ids. Numerically equal ids such as "7" and "007"
// fall back to lexicographic order so the result is still total.
func compareIDs(a, b string) int {
	if isDecimal(a) && isDecimal(b) {
		if c := compareDecimal(a, b); c != 0 {
			return c
		}
	}
	return strings.Compare(a, b)
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// compareDecimal compares unsigned decimal strings of arbitrary length.
func compareDecimal(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
