// Package export renders stored observables through text templates, e.g. to
// produce block lists for firewalls or DNS sinkholes.
package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-feeds/api/schemas"
	"github.com/xkilldash9x/scalpel-feeds/internal/observables"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTemplate prints one observable value per line.
const DefaultTemplate = `{{range .}}{{.Value}}
{{end}}`

var funcs = template.FuncMap{
	"join": strings.Join,
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"hasTag": func(obs schemas.Observable, tag string) bool { return obs.HasTag(observables.NormalizeTag(tag)) },
}

// Render executes tmpl over data. With an outputFile the result is written
// there, creating parent directories, and the path is returned; otherwise
// the rendered text is returned.
func Render(tmpl string, data []schemas.Observable, outputFile string) (string, error) {
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	t, err := template.New("export").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse export template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render export template: %w", err)
	}
	if outputFile == "" || outputFile == "stdout" {
		return buf.String(), nil
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory for %s: %w", outputFile, err)
	}
	if err := os.WriteFile(outputFile, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write export file %s: %w", outputFile, err)
	}
	return outputFile, nil
}

// Lister is the read side of the graph needed for exports.
type Lister interface {
	List(ctx context.Context, t schemas.ObservableType) ([]schemas.Observable, error)
}

// Exporter reads observables of one type from the graph and renders them.
// It never writes to the graph.
type Exporter struct {
	graph Lister
	log   *zap.Logger
}

// New creates an exporter over graph.
func New(graph Lister, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{graph: graph, log: logger.Named("export")}
}

// Options selects what to export and how.
type Options struct {
	Type       schemas.ObservableType
	Tag        string
	Template   string
	OutputFile string
}

// Export lists the observables of opts.Type, optionally keeping only those
// carrying opts.Tag, and renders them.
func (e *Exporter) Export(ctx context.Context, opts Options) (string, error) {
	if opts.Type == "" {
		return "", fmt.Errorf("export needs an observable type: %w", schemas.ErrValidation)
	}
	all, err := e.graph.List(ctx, opts.Type)
	if err != nil {
		return "", fmt.Errorf("failed to list %s observables: %w", opts.Type, err)
	}

	data := all
	if tag := observables.NormalizeTag(opts.Tag); tag != "" {
		data = make([]schemas.Observable, 0, len(all))
		for _, obs := range all {
			if obs.HasTag(tag) {
				data = append(data, obs)
			}
		}
	}

	out, err := Render(opts.Template, data, opts.OutputFile)
	if err != nil {
		return "", err
	}
	e.log.Info("Exported observables",
		zap.String("type", string(opts.Type)), zap.String("tag", opts.Tag),
		zap.Int("count", len(data)), zap.String("output", opts.OutputFile))
	return out, nil
}
