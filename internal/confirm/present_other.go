//go:build !windows

package confirm

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

var titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

// present shows the confirmation prompt on non-Windows platforms using a
// charmbracelet/huh confirm form, run synchronously on the broker's single
// loop goroutine — the same single-UI-thread discipline §4.I specifies for
// the original's Win32 modal dialog, expressed without one.
//
// On destruction without an answer (e.g. the terminal is gone, huh.Run
// returns an error), the default verdict is deny, matching the spec's
// "destruction of the dialog without a click must also send a verdict
// (default: false)" requirement.
func present(req *ConfirmationRequest) bool {
	title := titleStyle.Render(fmt.Sprintf("Allow %q to sign using key %q?", channelLabel(req), req.KeyPair.Name))
	description := requesterSummary(req)

	approve := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Allow").
				Negative("Deny").
				Value(&approve),
		),
	)
	if err := form.Run(); err != nil {
		return false
	}
	return approve
}

func channelLabel(req *ConfirmationRequest) string {
	return string(req.Info.Channel)
}

func requesterSummary(req *ConfirmationRequest) string {
	r := req.Info.Requester
	if r == nil {
		return "Requester: unknown (no attribution available on this channel)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Requester: %s\n\n%s", r.DescriptionShort, r.DescriptionLong)
	return b.String()
}
