package main

import (
	"fmt"
	"strings"

	"tubeprompt/internal/delivery"
	"tubeprompt/internal/settings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var (
	previewURL     string
	previewTitle   string
	previewChannel string
	previewHTML    bool
	previewPlain   bool
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render the prompt the next delivery would write",
	Long: `Renders the stored prompt template against the pending request, or against
--url/--title/--channel when given. --html prints the block markup the input
surface receives.`,
	Args: cobra.NoArgs,
	RunE: runPreview,
}

func init() {
	previewCmd.Flags().StringVar(&previewURL, "url", "", "Video URL")
	previewCmd.Flags().StringVar(&previewTitle, "title", "", "Video title")
	previewCmd.Flags().StringVar(&previewChannel, "channel", "", "Channel name")
	previewCmd.Flags().BoolVar(&previewHTML, "html", false, "Print block markup instead of text")
	previewCmd.Flags().BoolVar(&previewPlain, "plain", false, "Print text without terminal styling")
}

func runPreview(cmd *cobra.Command, args []string) error {
	kv, st, err := openStore()
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx := cmd.Context()
	s := st.Settings(ctx)
	fields := delivery.Fields{URL: previewURL, Title: previewTitle, Channel: previewChannel}
	if fields == (delivery.Fields{}) {
		if p, ok := st.Pending(ctx); ok {
			fields = delivery.Fields{URL: p.URL, Title: p.Title, Channel: p.Channel}
		}
	}

	out, err := renderPreview(s, fields, previewHTML, previewPlain)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

// renderPreview produces the preview text for s and f.
func renderPreview(s settings.Settings, f delivery.Fields, asHTML, plain bool) (string, error) {
	text := delivery.RenderTemplate(s.PromptTemplate, f)
	if asHTML {
		markup, err := delivery.RenderHTML(delivery.BuildBlocks(text))
		if err != nil {
			return "", fmt.Errorf("render markup: %w", err)
		}
		return markup + "\n", nil
	}
	if plain {
		return text + "\n", nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return text + "\n", nil
	}
	md := fmt.Sprintf("### Prompt preview (%s, auto-send %v)\n\n```text\n%s\n```\n",
		s.Language, s.AutoSend, strings.TrimRight(text, "\n"))
	rendered, err := renderer.Render(md)
	if err != nil {
		return text + "\n", nil
	}
	return rendered, nil
}
