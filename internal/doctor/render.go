package doctor

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	nameStyle  = lipgloss.NewStyle().Width(12)
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

// Render writes a human-readable report.
func Render(w io.Writer, d Diagnosis) {
	fmt.Fprintln(w, titleStyle.Render("acp-bridge doctor"))
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%s  %s/%s  %s",
		d.System.Version, d.System.OS, d.System.Arch, d.System.Go)))
	fmt.Fprintln(w)

	for _, result := range d.Results {
		var badge string
		switch result.Status {
		case StatusPass:
			badge = passStyle.Render("✓ PASS")
		case StatusWarn:
			badge = warnStyle.Render("! WARN")
		default:
			badge = failStyle.Render("✗ FAIL")
		}
		fmt.Fprintf(w, "%s %s %s\n", badge, nameStyle.Render(result.Name), result.Message)
	}

	fmt.Fprintln(w)
	if d.Healthy() {
		fmt.Fprintln(w, passStyle.Render("All checks passed."))
	} else {
		fmt.Fprintln(w, failStyle.Render("Some checks failed."))
	}
}
