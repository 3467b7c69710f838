package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveTopic(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want Key
	}{
		{name: "lower first", a: "10", b: "42", want: "10-42"},
		{name: "higher first", a: "42", b: "10", want: "10-42"},
		{name: "numeric not lexicographic", a: "9", b: "10", want: "9-10"},
		{name: "large numbers", a: "18446744073709551617", b: "18446744073709551616", want: "18446744073709551616-18446744073709551617"},
		{name: "leading zeros tie break", a: "007", b: "7", want: "007-7"},
		{name: "lexicographic for non numeric", a: "bob", b: "alice", want: "alice-bob"},
		{name: "mixed ids compare lexicographically", a: "abc", b: "12", want: "12-abc"},
		{name: "self conversation", a: "5", b: "5", want: "5-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveTopic(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			swapped, err := DeriveTopic(tt.b, tt.a)
			require.NoError(t, err)
			assert.Equal(t, got, swapped, "key must not depend on argument order")
		})
	}
}

func TestDeriveTopic_InvalidArgument(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{name: "empty first", a: "", b: "1"},
		{name: "empty second", a: "1", b: ""},
		{name: "whitespace", a: "   ", b: "1"},
		{name: "contains separator", a: "1-2", b: "3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveTopic(tt.a, tt.b)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestDeriveTopic_Stable(t *testing.T) {
	first, err := DeriveTopic("77", "3")
	require.NoError(t, err)

	for range 10 {
		again, err := DeriveTopic("3", "77")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDestination(t *testing.T) {
	assert.Equal(t, "/topic/conversations/10-42", Destination("", "10-42"))
	assert.Equal(t, "/topic/dm/10-42", Destination("/topic/dm", "10-42"))
	assert.Equal(t, "/topic/dm/10-42", Destination("/topic/dm/", "10-42"))
}

func TestKey_Participants(t *testing.T) {
	lower, higher, err := Key("10-42").Participants()
	require.NoError(t, err)
	assert.Equal(t, "10", lower)
	assert.Equal(t, "42", higher)

	_, _, err = Key("nokey").Participants()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
