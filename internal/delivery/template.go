package delivery

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Fields are the values substituted into a prompt template.
type Fields struct {
	URL     string
	Title   string
	Channel string
}

var placeholderRe = regexp.MustCompile(`\{(url|title|channel)\}`)

// RenderTemplate replaces {url}, {title} and {channel} in template. Any other
// brace token is left as is.
func RenderTemplate(template string, f Fields) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(tok string) string {
		switch tok {
		case "{url}":
			return f.URL
		case "{title}":
			return f.Title
		case "{channel}":
			return f.Channel
		}
		return tok
	})
}

// Block is one block-level line of the input surface. An empty Text is a
// blank line.
type Block struct {
	Text string
}

// BuildBlocks splits prompt into one block per line after normalizing CRLF
// and CR line endings.
func BuildBlocks(prompt string) []Block {
	prompt = strings.ReplaceAll(prompt, "\r\n", "\n")
	prompt = strings.ReplaceAll(prompt, "\r", "\n")
	lines := strings.Split(prompt, "\n")
	blocks := make([]Block, len(lines))
	for i, l := range lines {
		blocks[i] = Block{Text: l}
	}
	return blocks
}

// RenderHTML serializes blocks as the input surface expects: a <p> per line,
// with <p><br></p> for blank lines. Text is escaped.
func RenderHTML(blocks []Block) (string, error) {
	var sb strings.Builder
	for _, b := range blocks {
		p := &html.Node{Type: html.ElementNode, DataAtom: atom.P, Data: "p"}
		if b.Text == "" {
			p.AppendChild(&html.Node{Type: html.ElementNode, DataAtom: atom.Br, Data: "br"})
		} else {
			p.AppendChild(&html.Node{Type: html.TextNode, Data: b.Text})
		}
		if err := html.Render(&sb, p); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}
