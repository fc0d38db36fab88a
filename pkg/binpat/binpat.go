// Package binpat provides a high-level API for decomposing binary data
// into pattern trees using binpat template definitions.
//
// Basic usage:
//
//	// Decompose binary data to a map
//	result, err := binpat.DecomposeToMap(data, "path/to/template.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Or straight to JSON
//	jsonData, err := binpat.DecomposeToJSON(data, "path/to/template.yaml")
package binpat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"

	"github.com/twinfer/binpat-plugin/pkg/binpattern"
)

// Decomposer wraps template loading, compilation and evaluation with
// caching and configuration.
type Decomposer struct {
	templateCache map[string]*binpattern.TemplateSchema
	cacheMutex    sync.RWMutex
	logger        *slog.Logger
	options       options
}

// options holds configuration for the decomposer.
type options struct {
	logger        *slog.Logger
	enableCaching bool
	cacheTimeout  time.Duration
	section       int
	debugMode     bool
}

// Option is a function that configures decomposer options.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCaching enables template caching with the specified timeout.
func WithCaching(timeout time.Duration) Option {
	return func(o *options) {
		o.enableCaching = true
		o.cacheTimeout = timeout
	}
}

// WithSection sets the section id recorded on produced patterns.
func WithSection(id int) Option {
	return func(o *options) {
		o.section = id
	}
}

// WithDebugMode enables debug logging.
func WithDebugMode(enabled bool) Option {
	return func(o *options) {
		o.debugMode = enabled
	}
}

func defaultOptions() options {
	return options{
		logger:        slog.Default(),
		enableCaching: true,
		cacheTimeout:  5 * time.Minute,
	}
}

// Global decomposer instance for convenience functions.
var globalDecomposer *Decomposer
var globalDecomposerOnce sync.Once

func getGlobalDecomposer() *Decomposer {
	globalDecomposerOnce.Do(func() {
		globalDecomposer = NewDecomposer()
	})
	return globalDecomposer
}

// NewDecomposer creates a new decomposer instance with the given options.
func NewDecomposer(opts ...Option) *Decomposer {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if options.debugMode {
		options.logger = options.logger.With("debug", true)
	}

	return &Decomposer{
		templateCache: make(map[string]*binpattern.TemplateSchema),
		logger:        options.logger,
		options:       options,
	}
}

// Decompose evaluates the template at templatePath against data and
// returns the root pattern of the resulting tree.
func Decompose(data []byte, templatePath string, opts ...Option) (binpattern.Pattern, error) {
	return getGlobalDecomposer().Decompose(context.Background(), data, templatePath, opts...)
}

// DecomposeToMap evaluates the template against data and flattens the
// pattern tree into plain maps and values.
func DecomposeToMap(data []byte, templatePath string, opts ...Option) (map[string]any, error) {
	return getGlobalDecomposer().DecomposeToMap(context.Background(), data, templatePath, opts...)
}

// DecomposeToJSON evaluates the template against data and serializes the
// flattened tree as JSON.
func DecomposeToJSON(data []byte, templatePath string, opts ...Option) ([]byte, error) {
	return getGlobalDecomposer().DecomposeToJSON(context.Background(), data, templatePath, opts...)
}

// Decompose evaluates the template at templatePath against data.
func (d *Decomposer) Decompose(ctx context.Context, data []byte, templatePath string, opts ...Option) (binpattern.Pattern, error) {
	options := d.options
	for _, opt := range opts {
		opt(&options)
	}

	schema, err := d.loadTemplate(templatePath)
	if err != nil {
		return nil, fmt.Errorf("loading template: %w", err)
	}

	compiler := binpattern.NewCompiler(schema, d.logger)
	root, err := compiler.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling template %q: %w", schema.Meta.ID, err)
	}

	stream := kaitai.NewStream(bytes.NewReader(data))
	ev, err := binpattern.NewEvaluator(stream, schema.Endianness(), d.logger)
	if err != nil {
		return nil, fmt.Errorf("creating evaluator: %w", err)
	}
	ev.SetSection(options.section)

	patterns, err := root.CreatePatterns(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("evaluating template %q: %w", schema.Meta.ID, err)
	}
	if len(patterns) != 1 {
		return nil, fmt.Errorf("template %q produced %d root patterns, expected 1", schema.Meta.ID, len(patterns))
	}
	return patterns[0], nil
}

// DecomposeToMap evaluates and flattens in one step.
func (d *Decomposer) DecomposeToMap(ctx context.Context, data []byte, templatePath string, opts ...Option) (map[string]any, error) {
	root, err := d.Decompose(ctx, data, templatePath, opts...)
	if err != nil {
		return nil, err
	}
	result, ok := binpattern.PatternToMap(root).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("root pattern did not flatten to a map")
	}
	return result, nil
}

// DecomposeToJSON evaluates, flattens and serializes in one step.
func (d *Decomposer) DecomposeToJSON(ctx context.Context, data []byte, templatePath string, opts ...Option) ([]byte, error) {
	result, err := d.DecomposeToMap(ctx, data, templatePath, opts...)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("serializing result: %w", err)
	}
	return out, nil
}

// ClearCache drops all cached templates.
func (d *Decomposer) ClearCache() {
	d.cacheMutex.Lock()
	defer d.cacheMutex.Unlock()
	d.templateCache = make(map[string]*binpattern.TemplateSchema)
}

// loadTemplate reads and parses a template file, consulting the cache.
func (d *Decomposer) loadTemplate(path string) (*binpattern.TemplateSchema, error) {
	if d.options.enableCaching {
		d.cacheMutex.RLock()
		if schema, ok := d.templateCache[path]; ok {
			d.cacheMutex.RUnlock()
			d.logger.Debug("Template cache hit", "path", path)
			return schema, nil
		}
		d.cacheMutex.RUnlock()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template file: %w", err)
	}

	schema, err := binpattern.NewTemplateSchemaFromYAML(data)
	if err != nil {
		return nil, err
	}

	if d.options.enableCaching {
		d.cacheMutex.Lock()
		d.templateCache[path] = schema
		d.cacheMutex.Unlock()
		d.logger.Debug("Loaded and cached template", "path", path, "id", schema.Meta.ID)
	}

	return schema, nil
}
