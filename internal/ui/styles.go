package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ashutoshrp06/brainstream/internal/types"
)

// Theme defines the visual style for the brainstream client.
type Theme struct {
	// Brand colors
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Accent    lipgloss.Color

	// Semantic colors
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color

	// Text colors
	Text     lipgloss.Color
	TextDim  lipgloss.Color
	TextBold lipgloss.Color
}

// DefaultTheme returns the default color theme.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("#6366F1"), // Indigo
		Secondary: lipgloss.Color("#14B8A6"), // Teal
		Accent:    lipgloss.Color("#F97316"), // Orange

		Success: lipgloss.Color("#22C55E"),
		Warning: lipgloss.Color("#EAB308"),
		Error:   lipgloss.Color("#DC2626"),
		Muted:   lipgloss.Color("#64748B"), // Slate

		Text:     lipgloss.Color("#F8FAFC"),
		TextDim:  lipgloss.Color("#94A3B8"),
		TextBold: lipgloss.Color("#FFFFFF"),
	}
}

// Styles contains all the styled components for the UI.
type Styles struct {
	// App container
	App         lipgloss.Style
	BannerTitle lipgloss.Style
	Prompt      lipgloss.Style

	// Transcript
	UserMessage      lipgloss.Style
	AssistantMessage lipgloss.Style
	Thinking         lipgloss.Style
	SystemMessage    lipgloss.Style
	ErrorMessage     lipgloss.Style
	RagNote          lipgloss.Style

	// Tool execution records
	ToolBox     lipgloss.Style
	ToolName    lipgloss.Style
	ToolParams  lipgloss.Style
	ToolOutput  lipgloss.Style
	ToolSuccess lipgloss.Style
	ToolError   lipgloss.Style

	// Status
	Spinner    lipgloss.Style
	StatusText lipgloss.Style

	// Help
	HelpKey   lipgloss.Style
	HelpValue lipgloss.Style
	HelpBar   lipgloss.Style

	theme Theme
}

// NewStyles creates styled components from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		theme: t,

		App: lipgloss.NewStyle().
			Padding(1, 2),

		BannerTitle: lipgloss.NewStyle().
			Foreground(t.Primary).
			Bold(true),

		Prompt: lipgloss.NewStyle().
			Foreground(t.Secondary).
			Bold(true),

		UserMessage: lipgloss.NewStyle().
			Foreground(t.Secondary).
			Bold(true).
			PaddingLeft(2),

		AssistantMessage: lipgloss.NewStyle().
			Foreground(t.Text).
			PaddingLeft(2),

		Thinking: lipgloss.NewStyle().
			Foreground(t.TextDim).
			Italic(true).
			PaddingLeft(2),

		SystemMessage: lipgloss.NewStyle().
			Foreground(t.Muted).
			Italic(true).
			PaddingLeft(2),

		ErrorMessage: lipgloss.NewStyle().
			Foreground(t.Error).
			Bold(true).
			PaddingLeft(2),

		RagNote: lipgloss.NewStyle().
			Foreground(t.Secondary).
			Faint(true).
			PaddingLeft(2),

		ToolBox: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(t.Accent).
			Padding(0, 1).
			MarginLeft(2),

		ToolName: lipgloss.NewStyle().
			Foreground(t.Accent).
			Bold(true),

		ToolParams: lipgloss.NewStyle().
			Foreground(t.TextDim),

		ToolOutput: lipgloss.NewStyle().
			Foreground(t.Text).
			PaddingLeft(1),

		ToolSuccess: lipgloss.NewStyle().
			Foreground(t.Success).
			Bold(true),

		ToolError: lipgloss.NewStyle().
			Foreground(t.Error).
			Bold(true),

		Spinner: lipgloss.NewStyle().
			Foreground(t.Primary),

		StatusText: lipgloss.NewStyle().
			Foreground(t.TextDim),

		HelpKey: lipgloss.NewStyle().
			Foreground(t.Muted),

		HelpValue: lipgloss.NewStyle().
			Foreground(t.TextDim),

		HelpBar: lipgloss.NewStyle().
			Foreground(t.Muted).
			MarginTop(1),
	}
}

// PhaseLabel returns the status label style for a session phase.
func (s Styles) PhaseLabel(p types.Phase) lipgloss.Style {
	color := s.theme.Primary
	switch p {
	case types.PhaseSending:
		color = s.theme.Accent
	case types.PhaseComplete:
		color = s.theme.Success
	case types.PhaseError:
		color = s.theme.Error
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true)
}

// DefaultStyles returns styles with the default theme.
func DefaultStyles() Styles {
	return NewStyles(DefaultTheme())
}

// Banner returns the ASCII art banner.
func Banner() string {
	banner := `
 ╔═════════════════════════════════════════════════════════════════╗
 ║                                                                 ║
 ║   ██████╗ ██████╗  █████╗ ██╗███╗   ██╗                         ║
 ║   ██╔══██╗██╔══██╗██╔══██╗██║████╗  ██║                         ║
 ║   ██████╔╝██████╔╝███████║██║██╔██╗ ██║  s t r e a m            ║
 ║   ██╔══██╗██╔══██╗██╔══██║██║██║╚██╗██║                         ║
 ║   ██████╔╝██║  ██║██║  ██║██║██║ ╚████║                         ║
 ║   ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚═╝╚═╝  ╚═══╝                         ║
 ║                                                                 ║
 ║          Streaming chat and agent client for your notes         ║
 ╚═════════════════════════════════════════════════════════════════╝`
	return banner
}
