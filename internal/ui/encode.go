package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/linuxmatters/vpuenc/internal/cli"
)

// historyLen is the number of recent frame sizes kept for the size graph
const historyLen = 64

// EncodeProgress reports one completed frame
type EncodeProgress struct {
	Frame       int
	TotalFrames int // 0 when the source length is unknown
	Size        int // bytes of this frame
	Bytes       int64
	Intra       bool
	Dropped     bool
	Elapsed     time.Duration
}

// EncodeComplete signals a finished session
type EncodeComplete struct {
	OutputFile  string
	Frames      int
	IntraFrames int
	Dropped     uint64
	Reencodes   uint64
	Bytes       int64
	FPS         int
	Duration    time.Duration
}

// EncodeFailed ends the UI with an error
type EncodeFailed struct {
	Err error
}

type quitTimerMsg struct{}

// Model is the Bubbletea model shown while a session runs
type Model struct {
	progress progress.Model
	title    string // codec and geometry, e.g. "H.264 1280x720 CBR"

	last     EncodeProgress
	sizes    []int
	intra    []bool
	intraCnt int
	dropCnt  int

	complete *EncodeComplete
	err      error

	startTime       time.Time
	width           int
	minDisplayTime  time.Duration
	completionDelay time.Duration
}

// NewModel creates the progress UI
func NewModel(title string) *Model {
	p := progress.New(
		progress.WithGradient(string(cli.SignalBlue), string(cli.SignalCyan)),
		progress.WithWidth(40),
		progress.WithoutPercentage(),
	)
	return &Model{
		progress:        p,
		title:           title,
		startTime:       time.Now(),
		minDisplayTime:  500 * time.Millisecond,
		completionDelay: 2 * time.Second,
	}
}

// Init initializes the model
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = max(min(msg.Width-30, 50), 10)
		return m, nil

	case EncodeProgress:
		m.last = msg
		m.sizes = append(m.sizes, msg.Size)
		m.intra = append(m.intra, msg.Intra)
		if n := len(m.sizes); n > historyLen {
			m.sizes = m.sizes[n-historyLen:]
			m.intra = m.intra[n-historyLen:]
		}
		if msg.Intra {
			m.intraCnt++
		}
		if msg.Dropped {
			m.dropCnt++
		}
		return m, nil

	case EncodeComplete:
		m.complete = &msg
		delay := m.completionDelay
		if elapsed := time.Since(m.startTime); elapsed < m.minDisplayTime {
			delay += m.minDisplayTime - elapsed
		}
		return m, tea.Tick(delay, func(time.Time) tea.Msg { return quitTimerMsg{} })

	case EncodeFailed:
		m.err = msg.Err
		return m, tea.Quit

	case quitTimerMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		// any key skips the completion screen
		if m.complete != nil || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

// View renders the UI
func (m *Model) View() string {
	if m.err != nil {
		return cli.ErrorStyle.Render("Error: ") + m.err.Error() + "\n"
	}
	if m.complete != nil {
		return m.renderComplete()
	}
	return m.renderProgress()
}

func (m *Model) renderProgress() string {
	var s strings.Builder

	s.WriteString(lipgloss.NewStyle().Bold(true).Foreground(cli.SignalCyan).Render(cli.AppName))
	s.WriteString("\n")
	s.WriteString(lipgloss.NewStyle().Faint(true).Render(m.title))
	s.WriteString("\n\n")

	elapsed := m.last.Elapsed
	if elapsed == 0 {
		elapsed = time.Since(m.startTime)
	}

	if m.last.TotalFrames > 0 {
		ratio := min(float64(m.last.Frame)/float64(m.last.TotalFrames), 1)
		s.WriteString("Progress: ")
		s.WriteString(m.progress.ViewAs(ratio))
		s.WriteString(fmt.Sprintf("  %d%%\n", int(ratio*100)))
		s.WriteString(lipgloss.NewStyle().Faint(true).Italic(true).
			Render(fmt.Sprintf("Frame %d of %d", m.last.Frame, m.last.TotalFrames)))
	} else {
		s.WriteString(lipgloss.NewStyle().Faint(true).Italic(true).
			Render(fmt.Sprintf("Frame %d", m.last.Frame)))
	}
	s.WriteString("\n\n")

	fps := 0.0
	if elapsed > 0 {
		fps = float64(m.last.Frame) / elapsed.Seconds()
	}
	s.WriteString(lipgloss.NewStyle().Faint(true).Render(fmt.Sprintf(
		"Time: %s  │  %.1f fps  │  Intra: %d  │  Dropped: %d",
		formatDuration(elapsed), fps, m.intraCnt, m.dropCnt)))
	s.WriteString("\n\n")

	if len(m.sizes) > 0 {
		labelStyle := lipgloss.NewStyle().Faint(true)
		valueStyle := lipgloss.NewStyle().Bold(true)

		var right strings.Builder
		right.WriteString(labelStyle.Render("Stream: "))
		right.WriteString(valueStyle.Render(formatBytes(m.last.Bytes)))
		right.WriteString("\n")
		right.WriteString(labelStyle.Render("Frame:  "))
		right.WriteString(valueStyle.Render(formatBytes(int64(m.last.Size))))

		s.WriteString(labelStyle.Render("Frame sizes:"))
		s.WriteString("\n")
		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			renderSizes(m.sizes, m.intra, min(max(m.width-30, 16), historyLen)),
			"  ",
			right.String()))
	}

	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(cli.SignalBlue).
		Padding(1, 2).
		Render(s.String())
}

func (m *Model) renderComplete() string {
	c := m.complete
	var s strings.Builder

	s.WriteString(lipgloss.NewStyle().Bold(true).Foreground(cli.SignalGreen).Render("✓ Encoding Complete!"))
	s.WriteString("\n\n")

	s.WriteString(fmt.Sprintf("Output:   %s\n", c.OutputFile))
	s.WriteString(fmt.Sprintf("Frames:   %d (%d intra, %d dropped, %d re-encodes)\n",
		c.Frames, c.IntraFrames, c.Dropped, c.Reencodes))
	s.WriteString(fmt.Sprintf("Size:     %s\n", formatBytes(c.Bytes)))

	if c.FPS > 0 && c.Frames > 0 {
		video := time.Duration(c.Frames) * time.Second / time.Duration(c.FPS)
		bps := float64(c.Bytes*8) / video.Seconds()
		s.WriteString(fmt.Sprintf("Bitrate:  %s over %.1fs of video\n", cli.FormatBitrate(bps), video.Seconds()))
		if c.Duration > 0 {
			speed := float64(video) / float64(c.Duration)
			s.WriteString(fmt.Sprintf("Speed:    %.1fx realtime in %s\n", speed, formatDuration(c.Duration)))
		}
	}

	if c.Frames > 0 {
		s.WriteString("\n")
		s.WriteString(lipgloss.NewStyle().Faint(true).Render("Intra share:"))
		s.WriteString("\n  ")
		ratio := float64(c.IntraFrames) / float64(c.Frames)
		s.WriteString(makeSparkline(ratio, 30))
		s.WriteString(fmt.Sprintf("  %d%%", int(ratio*100)))
	}

	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(cli.SignalGreen).
		Padding(1, 1).
		Render(s.String()) + "\n"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatBytes(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}
	return cli.FormatBytes(bytes)
}

func makeSparkline(ratio float64, width int) string {
	filled := min(int(ratio*float64(width)), width)

	var result strings.Builder
	on := lipgloss.NewStyle().Foreground(cli.SignalMarker)
	off := lipgloss.NewStyle().Foreground(cli.DarkSlate)
	for i := range width {
		if i < filled {
			result.WriteString(on.Render("█"))
		} else {
			result.WriteString(off.Render("░"))
		}
	}
	return result.String()
}

var sizeBlocks = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// renderSizes draws the most recent frame sizes as a two-row bar graph,
// normalised to the largest one shown. Intra frames are highlighted.
func renderSizes(sizes []int, intra []bool, width int) string {
	if len(sizes) == 0 || width <= 0 {
		return ""
	}
	if len(sizes) > width {
		sizes = sizes[len(sizes)-width:]
		intra = intra[len(intra)-width:]
	}

	largest := 1
	for _, v := range sizes {
		largest = max(largest, v)
	}

	style := func(i int) lipgloss.Style {
		if intra[i] {
			return lipgloss.NewStyle().Foreground(cli.SignalMarker)
		}
		return lipgloss.NewStyle().Foreground(cli.SignalCyan)
	}
	last := len(sizeBlocks) - 1

	var top, bottom strings.Builder
	for i, v := range sizes {
		h := float64(v) / float64(largest)
		if h > 0.5 {
			idx := min(int((h-0.5)*2*float64(last)), last)
			top.WriteString(style(i).Render(string(sizeBlocks[idx])))
			bottom.WriteString(style(i).Render(string(sizeBlocks[last])))
			continue
		}
		top.WriteString(" ")
		if v == 0 {
			bottom.WriteString(" ")
			continue
		}
		idx := min(int(h*2*float64(last)), last)
		bottom.WriteString(style(i).Render(string(sizeBlocks[idx])))
	}
	return top.String() + "\n" + bottom.String()
}
