package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// AppName and AppDescription head the banner, help and version output
const (
	AppName        = "vpuenc ▶"
	AppDescription = "Drive a hardware-style video encoder from a test pattern or raw YUV and write the elementary stream."
)

// Styles
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(SignalCyan).
			MarginBottom(1)

	SuccessStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(SignalGreen)

	ErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(SignalMarker)

	HighlightStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(SignalAmber)

	KeyStyle = lipgloss.NewStyle().
			Foreground(SlateGray)

	ValueStyle = lipgloss.NewStyle().
			Bold(true)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(SignalBlue).
			Padding(1, 2).
			MarginTop(1).
			MarginBottom(1)
)

// PrintVersion prints version information
func PrintVersion(version string) {
	fmt.Println(TitleStyle.Render(AppName))
	fmt.Printf("%s %s\n", KeyStyle.Render("Version:"), ValueStyle.Render(version))
	fmt.Println()
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ErrorStyle.Render("Error:"), message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", HighlightStyle.Render("Warning:"), message)
}

// FormatDuration formats a duration for humans
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.0fms", d.Seconds()*1000)
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// FormatBytes formats bytes into human-readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatBitrate formats bits per second
func FormatBitrate(bps float64) string {
	switch {
	case bps >= 1e6:
		return fmt.Sprintf("%.2f Mbit/s", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.1f kbit/s", bps/1e3)
	}
	return fmt.Sprintf("%.0f bit/s", bps)
}

// SummaryRow is one key/value line of PrintSummary
type SummaryRow struct {
	Key   string
	Value string
}

// PrintSummary writes a boxed completion summary to w
func PrintSummary(w io.Writer, title string, rows []SummaryRow) {
	width := 0
	for _, r := range rows {
		width = max(width, len(r.Key))
	}

	var b strings.Builder
	b.WriteString(SuccessStyle.Render("✓ " + title))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString("\n")
		b.WriteString(KeyStyle.Render(fmt.Sprintf("%-*s  ", width+1, r.Key+":")))
		b.WriteString(ValueStyle.Render(r.Value))
	}
	fmt.Fprintln(w, BoxStyle.Render(b.String()))
}
