package cli

import (
	"fmt"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"
)

// Help styles
var (
	helpTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(SignalCyan).
			MarginBottom(1)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(SignalBlue).
			Italic(true).
			MarginBottom(1)

	helpSectionStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(SignalBlue).
				MarginTop(1)

	helpFlagStyle = lipgloss.NewStyle().
			Foreground(SignalCyan).
			Bold(true)

	helpArgStyle = lipgloss.NewStyle().
			Foreground(SignalAmber).
			Bold(true)

	helpDefaultStyle = lipgloss.NewStyle().
				Foreground(SlateGray).
				Italic(true)
)

// helpEntry is one left/right row of the help output
type helpEntry struct {
	name       string
	help       string
	defaultVal string
}

// helpSection is a titled block of rows; flags are grouped by their kong group
type helpSection struct {
	title   string
	entries []helpEntry
}

// StyledHelpPrinter creates a help printer with Lipgloss styling. Flags
// carrying a group tag are listed under that group's title.
func StyledHelpPrinter(options kong.HelpOptions) kong.HelpPrinter {
	return kong.HelpPrinter(func(options kong.HelpOptions, ctx *kong.Context) error {
		var sb strings.Builder

		sb.WriteString(helpTitleStyle.Render(AppName))
		sb.WriteString("\n")
		sb.WriteString(helpDescStyle.Render(AppDescription))
		sb.WriteString("\n")

		sb.WriteString(helpSectionStyle.Render("Usage:"))
		sb.WriteString(fmt.Sprintf("\n  %s <output> [flags]\n", ctx.Model.Name))

		sections := append([]helpSection{argumentSection(ctx.Model.Node)}, flagSections(ctx.Model.Node)...)
		width := 0
		for _, s := range sections {
			for _, e := range s.entries {
				width = max(width, len(e.name))
			}
		}

		for _, s := range sections {
			if len(s.entries) == 0 {
				continue
			}
			sb.WriteString("\n")
			sb.WriteString(helpSectionStyle.Render(s.title + ":"))
			sb.WriteString("\n")
			nameStyle := helpFlagStyle
			if s.title == "Arguments" {
				nameStyle = helpArgStyle
			}
			for _, e := range s.entries {
				writeEntry(&sb, nameStyle, e, width)
			}
		}

		sb.WriteString("\n")
		fmt.Fprint(ctx.Stdout, sb.String())
		return nil
	})
}

func writeEntry(sb *strings.Builder, nameStyle lipgloss.Style, e helpEntry, width int) {
	sb.WriteString("  ")
	sb.WriteString(nameStyle.Render(e.name))
	if e.help != "" || e.defaultVal != "" {
		sb.WriteString(strings.Repeat(" ", width-len(e.name)+2))
		sb.WriteString(e.help)
	}
	if e.defaultVal != "" {
		sb.WriteString(" ")
		sb.WriteString(helpDefaultStyle.Render("(default: " + e.defaultVal + ")"))
	}
	sb.WriteString("\n")
}

func argumentSection(node *kong.Node) helpSection {
	s := helpSection{title: "Arguments"}
	for _, arg := range node.Positional {
		s.entries = append(s.entries, helpEntry{name: arg.Summary(), help: arg.Help})
	}
	return s
}

// flagSections returns the ungrouped flags first, then each group in order
// of first appearance
func flagSections(node *kong.Node) []helpSection {
	sections := []helpSection{{
		title:   "Flags",
		entries: []helpEntry{{name: "-h, --help", help: "Show context-sensitive help."}},
	}}
	index := map[string]int{}

	for _, f := range node.Flags {
		if f.Name == "help" || f.Hidden {
			continue
		}
		i := 0
		if f.Group != nil {
			var ok bool
			if i, ok = index[f.Group.Key]; !ok {
				i = len(sections)
				index[f.Group.Key] = i
				sections = append(sections, helpSection{title: f.Group.Title})
			}
		}
		sections[i].entries = append(sections[i].entries, flagEntry(f))
	}
	return sections
}

func flagEntry(f *kong.Flag) helpEntry {
	name := "--" + f.Name
	if f.Short != 0 {
		name = fmt.Sprintf("-%c, %s", f.Short, name)
	}
	if !f.IsBool() {
		placeholder := f.PlaceHolder
		if placeholder == "" {
			placeholder = f.Name
		}
		name += "=" + strings.ToUpper(placeholder)
	}

	help := f.Help
	if f.Enum != "" {
		help += " [" + strings.ReplaceAll(f.Enum, ",", "|") + "]"
	}

	e := helpEntry{name: name, help: help}
	if f.HasDefault && !f.IsBool() && f.Default != "" {
		e.defaultVal = f.Default
	}
	return e
}
