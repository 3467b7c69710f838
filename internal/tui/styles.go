// Package tui implements the Bubble Tea chat view for dmchat.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hay-kot/dmchat/internal/styles"
)

// Styles used for rendering the chat view.
var (
	// Title bar across the top of the view.
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(styles.ColorBlue).
			PaddingLeft(1)

	// Topic shown next to the title.
	topicStyle = lipgloss.NewStyle().
			Foreground(styles.ColorGray)

	// Author line of messages sent by the local user.
	selfStyle = lipgloss.NewStyle().
			Foreground(styles.ColorGreen).
			Bold(true)

	// Author line of messages sent by the peer.
	peerStyle = lipgloss.NewStyle().
			Foreground(styles.ColorPurple).
			Bold(true)

	timeStyle = lipgloss.NewStyle().
			Foreground(styles.ColorGray)

	bodyStyle = lipgloss.NewStyle().
			Foreground(styles.ColorWhite).
			PaddingLeft(2)

	emptyStyle = lipgloss.NewStyle().
			Foreground(styles.ColorGray).
			Italic(true).
			PaddingLeft(1)

	dividerStyle = styles.DividerStyle

	// Status line states.
	statusStyle = lipgloss.NewStyle().
			Foreground(styles.ColorGray).
			PaddingLeft(1)

	warnStyle = lipgloss.NewStyle().
			Foreground(styles.ColorYellow).
			PaddingLeft(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(styles.ColorRed).
			PaddingLeft(1)

	// Connection indicator dot colors.
	connectedStyle    = lipgloss.NewStyle().Foreground(styles.ColorGreen)
	disconnectedStyle = lipgloss.NewStyle().Foreground(styles.ColorRed)
	connectingStyle   = lipgloss.NewStyle().Foreground(styles.ColorYellow)

	promptStyle = lipgloss.NewStyle().
			Foreground(styles.ColorBlue).
			Bold(true)
)

const iconDot = "•"
