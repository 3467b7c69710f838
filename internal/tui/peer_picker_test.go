package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/dmchat/internal/dmchat"
)

func TestNewPeerPicker(t *testing.T) {
	candidates := []dmchat.Candidate{
		{Username: "carol", Label: "carol", Recent: true},
		{Username: "bob", Label: "Bob"},
	}

	t.Run("creates form with candidates", func(t *testing.T) {
		p := NewPeerPicker(candidates)
		require.NotNil(t, p.Form())
		assert.Equal(t, 0, p.selectedIdx)
		assert.Equal(t, "carol", p.Result())
	})

	t.Run("result follows selection", func(t *testing.T) {
		p := NewPeerPicker(candidates)
		p.selectedIdx = 1
		assert.Equal(t, "bob", p.Result())
	})

	t.Run("someone else uses typed username", func(t *testing.T) {
		p := NewPeerPicker(candidates)
		p.selectedIdx = otherPeer
		p.username = "dave"
		assert.Equal(t, "dave", p.Result())
	})

	t.Run("no candidates asks for a username", func(t *testing.T) {
		p := NewPeerPicker(nil)
		assert.Equal(t, otherPeer, p.selectedIdx)
		p.username = "erin"
		assert.Equal(t, "erin", p.Result())
	})
}

func TestCandidateLabel(t *testing.T) {
	tests := []struct {
		name string
		in   dmchat.Candidate
		want string
	}{
		{name: "plain", in: dmchat.Candidate{Username: "bob", Label: "bob"}, want: "bob"},
		{name: "display name", in: dmchat.Candidate{Username: "bob", Label: "Bob Smith"}, want: "bob (Bob Smith)"},
		{name: "recent", in: dmchat.Candidate{Username: "carol", Label: "carol", Recent: true}, want: "carol • recent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, candidateLabel(tt.in))
		})
	}
}
