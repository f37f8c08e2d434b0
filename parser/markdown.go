package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// MarkdownParser handles Markdown (.md) and plain text (.txt) files.
// It returns the file's raw content as a single Section so the
// chunker can compute exact character offsets against it directly;
// heading structure is recovered by the chunker itself from the `#`
// lines rather than from a parsed AST (see DESIGN.md for why a full
// CommonMark parser is not warranted here).
type MarkdownParser struct{}

func (p *MarkdownParser) SupportedFormats() []string { return []string{"md", "markdown", "txt"} }

func (p *MarkdownParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	content := string(data)
	if content == "" {
		return &ParseResult{Method: "native"}, nil
	}

	return &ParseResult{
		Sections: []Section{
			{
				Heading: filepath.Base(path),
				Content: content,
				Level:   1,
				Type:    "document",
			},
		},
		Method: "native",
	}, nil
}
