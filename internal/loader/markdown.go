package loader

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// parseMarkdown splits a markdown document at its headings. Text before the
// first heading becomes an untitled section.
func parseMarkdown(src []byte) []Section {
	root := markdown.Parser().Parse(text.NewReader(src))

	var (
		sections []Section
		title    string
		body     strings.Builder
	)
	flush := func() {
		if t := strings.TrimSpace(body.String()); t != "" {
			sections = append(sections, Section{Title: title, Text: t})
		}
		body.Reset()
	}

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			flush()
			title = strings.TrimSpace(blockText(h, src))
			continue
		}
		if t := blockText(n, src); t != "" {
			body.WriteString(t)
			body.WriteString("\n\n")
		}
	}
	flush()
	return sections
}

// blockText collects the source lines of every leaf block under n.
func blockText(n ast.Node, src []byte) string {
	var lines []string
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || c.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		segs := c.Lines()
		if segs == nil || segs.Len() == 0 {
			return ast.WalkContinue, nil
		}
		for i := 0; i < segs.Len(); i++ {
			seg := segs.At(i)
			if l := strings.TrimRight(string(seg.Value(src)), " \t\r\n"); l != "" {
				lines = append(lines, l)
			}
		}
		return ast.WalkSkipChildren, nil
	})
	return strings.Join(lines, "\n")
}
