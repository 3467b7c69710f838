package tui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/hay-kot/dmchat/internal/core/validate"
	"github.com/hay-kot/dmchat/internal/dmchat"
	"github.com/hay-kot/dmchat/internal/styles"
)

// otherPeer is the select value that switches to free text entry.
const otherPeer = -1

// PeerPicker wraps a huh.Form for choosing a conversation partner.
type PeerPicker struct {
	form        *huh.Form
	candidates  []dmchat.Candidate
	selectedIdx int    // index into candidates, or otherPeer
	username    string // typed username when selectedIdx is otherPeer
}

// NewPeerPicker creates a picker over candidates. The first candidate is
// preselected. Without candidates the picker only asks for a username.
func NewPeerPicker(candidates []dmchat.Candidate) *PeerPicker {
	p := &PeerPicker{candidates: candidates}

	input := huh.NewInput().
		Title("Username").
		Value(&p.username).
		Validate(validate.Username)

	if len(candidates) == 0 {
		p.selectedIdx = otherPeer
		p.form = huh.NewForm(huh.NewGroup(input)).WithTheme(styles.FormTheme())
		return p
	}

	options := make([]huh.Option[int], 0, len(candidates)+1)
	for i, c := range candidates {
		options = append(options, huh.NewOption(candidateLabel(c), i))
	}
	options = append(options, huh.NewOption("Someone else…", otherPeer))

	p.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title("Chat with").
				Options(options...).
				Value(&p.selectedIdx).
				Filtering(true).
				Height(8),
		),
		huh.NewGroup(input).WithHideFunc(func() bool {
			return p.selectedIdx != otherPeer
		}),
	).WithTheme(styles.FormTheme())

	return p
}

func candidateLabel(c dmchat.Candidate) string {
	label := c.Username
	if c.Label != "" && c.Label != c.Username {
		label += " (" + c.Label + ")"
	}
	if c.Recent {
		label += " " + iconDot + " recent"
	}
	return label
}

// Form returns the underlying huh.Form for tea.Model integration.
func (p *PeerPicker) Form() *huh.Form {
	return p.form
}

// Run shows the picker and blocks until the user submits or aborts. An abort
// returns huh.ErrUserAborted.
func (p *PeerPicker) Run() (string, error) {
	fmt.Fprintln(os.Stderr, styles.BannerStyle.Render(styles.Banner))

	if err := p.form.Run(); err != nil {
		return "", err
	}
	return p.Result(), nil
}

// Result returns the chosen username.
func (p *PeerPicker) Result() string {
	if p.selectedIdx == otherPeer || p.selectedIdx >= len(p.candidates) {
		return p.username
	}
	return p.candidates[p.selectedIdx].Username
}
