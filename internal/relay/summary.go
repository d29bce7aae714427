// ABOUTME: Plain-text summary extraction from markdown replies
// ABOUTME: Used for the channel's notification preview on the final message

package relay

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

// PlainSummary flattens markdown into a single line of plain text, suitable
// for notification previews. Code blocks and raw HTML are dropped. limit
// caps the result in runes; zero or negative means no limit.
func PlainSummary(markdown string, limit int) string {
	source := []byte(markdown)
	doc := goldmark.New().Parser().Parse(gtext.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			// Block boundaries become spaces so paragraphs don't glue
			// together.
			if n.Type() == ast.TypeBlock {
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}

		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		case *ast.AutoLink:
			b.Write(t.Label(source))
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	flat := strings.Join(strings.Fields(b.String()), " ")
	if limit <= 0 {
		return flat
	}

	runes := []rune(flat)
	if len(runes) <= limit {
		return flat
	}
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}
