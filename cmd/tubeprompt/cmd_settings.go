package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"tubeprompt/internal/settings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// =============================================================================
// SETTINGS COMMANDS - read and edit the settings store directly
// =============================================================================

var settingsJSON bool

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings",
	Args:  cobra.NoArgs,
	RunE:  settingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change one or more settings",
	Example: `  tubeprompt settings set --language de
  tubeprompt settings set --auto-send=false --send-delay 500
  tubeprompt settings set --template-file prompt.txt`,
	Args: cobra.NoArgs,
	RunE: settingsSet,
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget stored settings and return to defaults",
	Args:  cobra.NoArgs,
	RunE:  settingsReset,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect or clear the outstanding prompt request",
}

var pendingShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the outstanding request",
	Args:  cobra.NoArgs,
	RunE:  pendingShow,
}

var pendingClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop the outstanding request",
	Args:  cobra.NoArgs,
	RunE:  pendingClear,
}

func init() {
	settingsShowCmd.Flags().BoolVar(&settingsJSON, "json", false, "Print as JSON")
	pendingShowCmd.Flags().BoolVar(&settingsJSON, "json", false, "Print as JSON")

	f := settingsSetCmd.Flags()
	f.String("language", "", "Prompt language ("+strings.Join(settings.SupportedLanguages, ", ")+")")
	f.Bool("auto-send", true, "Press send after filling the prompt")
	f.Bool("open-in-new-tab", true, "Open Gemini in a new tab")
	f.Bool("hover-only", true, "Show the trigger button only on hover")
	f.Int("send-delay", settings.DefaultSendDelayMs, "Milliseconds to wait before pressing send (0-2000)")
	f.String("template", "", "Prompt template; {url}, {title} and {channel} are substituted")
	f.String("template-file", "", "Read the prompt template from a file")

	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsResetCmd)
	pendingCmd.AddCommand(pendingShowCmd, pendingClearCmd)
}

var (
	keyStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Width(24)
	valueStyle = lipgloss.NewStyle()
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

func settingsShow(cmd *cobra.Command, args []string) error {
	kv, st, err := openStore()
	if err != nil {
		return err
	}
	defer kv.Close()

	s := st.Settings(cmd.Context())
	if settingsJSON {
		return writeJSON(cmd.OutOrStdout(), s)
	}
	printSettings(cmd.OutOrStdout(), s)
	return nil
}

func settingsSet(cmd *cobra.Command, args []string) error {
	patch, err := buildPatch(cmd)
	if err != nil {
		return err
	}
	if patch.IsEmpty() {
		return errors.New("nothing to change; pass at least one setting flag")
	}

	kv, st, err := openStore()
	if err != nil {
		return err
	}
	defer kv.Close()

	s, err := st.SaveSettings(cmd.Context(), patch)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	printSettings(cmd.OutOrStdout(), s)
	return nil
}

func settingsReset(cmd *cobra.Command, args []string) error {
	kv, st, err := openStore()
	if err != nil {
		return err
	}
	defer kv.Close()

	if err := st.ResetSettings(cmd.Context()); err != nil {
		return fmt.Errorf("reset settings: %w", err)
	}
	printSettings(cmd.OutOrStdout(), st.Settings(cmd.Context()))
	return nil
}

// buildPatch turns the flags the user actually passed into a patch.
func buildPatch(cmd *cobra.Command) (settings.Patch, error) {
	var p settings.Patch
	f := cmd.Flags()
	if f.Changed("language") {
		v, _ := f.GetString("language")
		if !settings.IsSupportedLanguage(v) {
			return p, fmt.Errorf("unsupported language %q (supported: %s)", v, strings.Join(settings.SupportedLanguages, ", "))
		}
		p.Language = &v
	}
	if f.Changed("auto-send") {
		v, _ := f.GetBool("auto-send")
		p.AutoSend = &v
	}
	if f.Changed("open-in-new-tab") {
		v, _ := f.GetBool("open-in-new-tab")
		p.OpenInNewTab = &v
	}
	if f.Changed("hover-only") {
		v, _ := f.GetBool("hover-only")
		p.ShowButtonOnHoverOnly = &v
	}
	if f.Changed("send-delay") {
		v, _ := f.GetInt("send-delay")
		p.SendDelayMs = &v
	}
	if f.Changed("template") && f.Changed("template-file") {
		return p, errors.New("--template and --template-file are mutually exclusive")
	}
	if f.Changed("template") {
		v, _ := f.GetString("template")
		p.PromptTemplate = &v
	}
	if f.Changed("template-file") {
		path, _ := f.GetString("template-file")
		data, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("read template: %w", err)
		}
		v := string(data)
		p.PromptTemplate = &v
	}
	return p, nil
}

func printSettings(w io.Writer, s settings.Settings) {
	rows := []string{
		row("language", s.Language),
		row("autoSend", strconv.FormatBool(s.AutoSend)),
		row("openInNewTab", strconv.FormatBool(s.OpenInNewTab)),
		row("showButtonOnHoverOnly", strconv.FormatBool(s.ShowButtonOnHoverOnly)),
		row("sendDelayMs", strconv.Itoa(s.SendDelayMs)),
		keyStyle.Render("promptTemplate"),
		dimStyle.Render(s.PromptTemplate),
	}
	fmt.Fprintln(w, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
}

func row(key, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, keyStyle.Render(key), valueStyle.Render(value))
}

func pendingShow(cmd *cobra.Command, args []string) error {
	kv, st, err := openStore()
	if err != nil {
		return err
	}
	defer kv.Close()

	p, err := st.RequirePending(cmd.Context())
	if errors.Is(err, settings.ErrNotFound) {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending request")
		return nil
	}
	if err != nil {
		return err
	}
	if settingsJSON {
		return writeJSON(cmd.OutOrStdout(), p)
	}
	printPending(cmd.OutOrStdout(), p)
	return nil
}

func printPending(w io.Writer, p settings.PendingRequest) {
	rows := []string{
		row("id", p.ID),
		row("url", p.URL),
		row("title", p.Title),
		row("channel", p.Channel),
		row("created", p.Created().Format(time.RFC3339)),
	}
	fmt.Fprintln(w, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
}

func pendingClear(cmd *cobra.Command, args []string) error {
	kv, st, err := openStore()
	if err != nil {
		return err
	}
	defer kv.Close()

	if err := st.ClearPending(cmd.Context()); err != nil {
		return fmt.Errorf("clear pending request: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Pending request cleared")
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
