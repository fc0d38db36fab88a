package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/binpat-plugin/pkg/binpattern"
)

// BinpatProcessor is a Benthos processor that decomposes binary messages
// into pattern trees using binpat template definitions.
type BinpatProcessor struct {
	config       BinpatConfig
	templateMap  sync.Map // Cache for parsed templates
	logger       *service.Logger
	mDecomposed  *service.MetricCounter
	mErrors      *service.MetricCounter
	mCacheHits   *service.MetricCounter
	mCacheMisses *service.MetricCounter
}

// BinpatConfig contains configuration parameters for the binpat processor.
type BinpatConfig struct {
	TemplatePath string `json:"template_path" yaml:"template_path"`
	Section      int    `json:"section" yaml:"section"`
}

func init() {
	err := service.RegisterProcessor(
		"binpat",
		binpatProcessorConfig(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Processor, error) {
			return newBinpatProcessorFromConfig(conf, mgr)
		},
	)
	if err != nil {
		panic(err)
	}
}

// binpatProcessorConfig returns a config spec for a binpat processor.
func binpatProcessorConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Decomposes binary data into named fields using binpat template definitions.").
		Description("This processor evaluates a bit-level template against each message's binary payload and replaces the message with the resulting structured pattern tree.").
		Field(service.NewStringField("template_path").
			Description("Path to the binpat template (.yaml) file.").
			Example("./templates/link_frame.yaml")).
		Field(service.NewIntField("section").
			Description("Section id recorded on produced patterns.").
			Default(0)).
		Version("0.1.0")
}

// newBinpatProcessorFromConfig creates a new BinpatProcessor from a parsed config.
func newBinpatProcessorFromConfig(conf *service.ParsedConfig, mgr *service.Resources) (*BinpatProcessor, error) {
	templatePath, err := conf.FieldString("template_path")
	if err != nil {
		return nil, err
	}

	section, err := conf.FieldInt("section")
	if err != nil {
		return nil, err
	}

	config := BinpatConfig{
		TemplatePath: templatePath,
		Section:      section,
	}

	if _, err := os.Stat(templatePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("template file not found at path: %s", templatePath)
	}

	metrics := mgr.Metrics()

	return &BinpatProcessor{
		config:       config,
		logger:       mgr.Logger(),
		mDecomposed:  metrics.NewCounter("binpat_decomposed_messages"),
		mErrors:      metrics.NewCounter("binpat_processing_errors"),
		mCacheHits:   metrics.NewCounter("binpat_template_cache_hits"),
		mCacheMisses: metrics.NewCounter("binpat_template_cache_misses"),
	}, nil
}

// Process decomposes one message's binary payload.
func (b *BinpatProcessor) Process(ctx context.Context, msg *service.Message) (service.MessageBatch, error) {
	b.logger.Debug("Decomposing binary data with binpat template")

	binData, err := msg.AsBytes()
	if err != nil {
		b.logger.Errorf("Failed to get binary data from message: %v", err)
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("failed to get binary data from message: %w", err))
		return service.MessageBatch{msg}, nil
	}

	if len(binData) == 0 {
		b.logger.Warn("Empty binary data provided")
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("empty binary data provided"))
		return service.MessageBatch{msg}, nil
	}

	schema, err := b.loadTemplate(b.config.TemplatePath)
	if err != nil {
		b.logger.Errorf("Failed to load template: %v", err)
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("failed to load template: %w", err))
		return service.MessageBatch{msg}, nil
	}

	root, err := b.decompose(ctx, schema, binData)
	if err != nil {
		b.logger.Errorf("Failed to decompose binary data of size %d bytes: %v", len(binData), err)
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("failed to decompose binary data of size %d bytes: %w", len(binData), err))
		return service.MessageBatch{msg}, nil
	}

	result := binpattern.PatternToMap(root)

	b.logger.Debugf("Successfully decomposed %d bytes of binary data", len(binData))
	b.mDecomposed.Incr(1)

	newMsg := service.NewMessage(nil)
	newMsg.SetStructured(result)

	// Copy metadata from original message
	msg.MetaWalk(func(key, value string) error {
		newMsg.MetaSet(key, value)
		return nil
	})

	return service.MessageBatch{newMsg}, nil
}

// decompose compiles and evaluates the template against one payload.
func (b *BinpatProcessor) decompose(ctx context.Context, schema *binpattern.TemplateSchema, data []byte) (binpattern.Pattern, error) {
	compiler := binpattern.NewCompiler(schema, nil)
	root, err := compiler.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling template: %w", err)
	}

	stream := kaitai.NewStream(bytes.NewReader(data))
	ev, err := binpattern.NewEvaluator(stream, schema.Endianness(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating evaluator: %w", err)
	}
	ev.SetSection(b.config.Section)

	patterns, err := root.CreatePatterns(ctx, ev)
	if err != nil {
		return nil, err
	}
	if len(patterns) != 1 {
		return nil, fmt.Errorf("template produced %d root patterns, expected 1", len(patterns))
	}
	return patterns[0], nil
}

// loadTemplate loads and parses a template file.
func (b *BinpatProcessor) loadTemplate(path string) (*binpattern.TemplateSchema, error) {
	if cached, ok := b.templateMap.Load(path); ok {
		b.logger.Tracef("Template cache hit for path: %s", path)
		b.mCacheHits.Incr(1)
		return cached.(*binpattern.TemplateSchema), nil
	}

	b.logger.Debugf("Loading template from path: %s", path)
	b.mCacheMisses.Incr(1)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}

	schema, err := binpattern.NewTemplateSchemaFromYAML(data)
	if err != nil {
		return nil, err
	}

	b.templateMap.Store(path, schema)
	b.logger.Debugf("Loaded and cached template from: %s", path)

	return schema, nil
}

// Close the processor resources.
func (b *BinpatProcessor) Close(ctx context.Context) error {
	b.logger.Debug("Closing binpat processor and clearing template cache")
	b.templateMap = sync.Map{}
	return nil
}

func main() {
	service.RunCLI(context.Background())
}
