package parser

import "fmt"

// Registry dispatches file extensions to the Parser that handles them.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a Registry with the built-in Markdown/text parser registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	md := &MarkdownParser{}
	for _, f := range md.SupportedFormats() {
		r.parsers[f] = md
	}
	return r
}

// Get returns the parser registered for format, or an error if none is registered.
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser for format: %s", format)
	}
	return p, nil
}

// Register adds or overrides the parser for a format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}
