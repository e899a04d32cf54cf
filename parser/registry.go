package parser

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Registry is the static table from Format to Parser, built once at
// startup.
type Registry struct {
	parsers    map[Format]Parser
	order      []Format
	extensions map[string]Format
}

var defaultExtensions = map[string]Format{
	".log":    FormatPlaintext,
	".txt":    FormatPlaintext,
	".out":    FormatPlaintext,
	".jsonl":  FormatJSONL,
	".ndjson": FormatJSONL,
	".json":   FormatJSONL,
	".syslog": FormatSyslog,
	".csv":    FormatCSV,
}

// NewRegistry registers parsers in the given order. Order breaks sniffing
// ties. A later parser for the same format replaces an earlier one.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{
		parsers:    make(map[Format]Parser, len(parsers)),
		extensions: make(map[string]Format, len(defaultExtensions)),
	}
	for _, p := range parsers {
		if _, ok := r.parsers[p.Format()]; !ok {
			r.order = append(r.order, p.Format())
		}
		r.parsers[p.Format()] = p
	}
	for ext, f := range defaultExtensions {
		r.extensions[ext] = f
	}
	return r
}

// Default returns a registry with every built-in parser.
func Default() *Registry {
	return NewRegistry(JSONL{}, Syslog{}, CSV{}, Plaintext{})
}

// Formats lists the registered formats, sorted.
func (r *Registry) Formats() []Format {
	out := append([]Format(nil), r.order...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the parser registered for f.
func (r *Registry) Lookup(f Format) (Parser, error) {
	if p, ok := r.parsers[f]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
}

// Resolve picks the parser for a file. An explicit hint wins and must name
// a registered format; otherwise the format is inferred.
func (r *Registry) Resolve(hint, filename string, sample []byte) (Parser, error) {
	if strings.TrimSpace(hint) != "" {
		return r.Lookup(ParseFormat(hint))
	}
	return r.Infer(filename, sample)
}

// Infer picks a parser from the file extension, then by content sniffing.
// Binary content and content no parser claims are unsupported.
func (r *Registry) Infer(filename string, sample []byte) (Parser, error) {
	if looksBinary(sample) {
		return nil, fmt.Errorf("%w: binary content in %s", ErrUnsupportedFormat, filepath.Base(filename))
	}
	ext := strings.ToLower(filepath.Ext(StripCompressionExt(filename)))
	if f, ok := r.extensions[ext]; ok {
		if p, ok := r.parsers[f]; ok {
			return p, nil
		}
	}

	var best Parser
	bestScore := 0.0
	for _, f := range r.order {
		p := r.parsers[f]
		if score := p.Sniff(sample, filename); score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no parser recognised %s", ErrUnsupportedFormat, filepath.Base(filename))
	}
	return best, nil
}
