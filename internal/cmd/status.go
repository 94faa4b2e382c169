package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foreman/internal/config"
	"github.com/felixgeelhaar/foreman/internal/instruction"
	"github.com/felixgeelhaar/foreman/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show all instructions and their phase",
	RunE:  runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	phaseStyles = map[instruction.Phase]lipgloss.Style{
		instruction.PhaseUserInstruction: lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		instruction.PhaseTaskPlanning:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		instruction.PhaseInfoGathering:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		instruction.PhaseAnalysis:        lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		instruction.PhaseResultSynthesis: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		instruction.PhaseComplete:        lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return err
	}
	summaries, err := st.List()
	if err != nil {
		return err
	}

	if statusJSON {
		raw, err := json.MarshalIndent(summaries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}

	if len(summaries) == 0 {
		fmt.Println("No instructions yet.")
		return nil
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-10s %-32s %-28s %-8s", "ID", "TITLE", "PHASE", "PRIORITY")))
	for _, s := range summaries {
		title := truncate(s.Title, 30)
		phase := s.Phase.String()
		if style, ok := phaseStyles[s.Phase]; ok {
			phase = style.Render(fmt.Sprintf("%-28s", phase))
		}
		fmt.Printf("%s %-32s %s %-8s\n",
			idStyle.Render(fmt.Sprintf("%-10s", s.ID)),
			title,
			phase,
			string(s.Priority))
	}
	fmt.Println(strings.Repeat("─", 80))
	fmt.Printf("%d instruction(s) in %s\n", len(summaries), cfg.DataDir)
	return nil
}

// truncate shortens s to at most max display runes, never cutting a
// multibyte character in half.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
