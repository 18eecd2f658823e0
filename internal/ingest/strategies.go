package ingest

import (
	crerr "github.com/cockroachdb/errors"
)

// ExtractorBuilder builds the extractor for one source.
type ExtractorBuilder func(src SourceConfig, normalizer *DateNormalizer) Extractor

// StrategyFactory maps strategy IDs (from sources.yaml) to extractor builders.
type StrategyFactory struct {
	builders map[string]ExtractorBuilder
}

func NewStrategyFactory() *StrategyFactory {
	return &StrategyFactory{
		builders: make(map[string]ExtractorBuilder),
	}
}

func (f *StrategyFactory) Register(id string, builder ExtractorBuilder) {
	f.builders[id] = builder
}

func (f *StrategyFactory) Get(id string) (ExtractorBuilder, error) {
	builder, ok := f.builders[id]
	if !ok {
		return nil, crerr.Wrapf(ErrUnknownStrategy, "%q", id)
	}
	return builder, nil
}

// ExtractorFor resolves the source's strategy and builds its extractor.
func (f *StrategyFactory) ExtractorFor(src SourceConfig, normalizer *DateNormalizer) (Extractor, error) {
	builder, err := f.Get(src.StrategyOrDefault())
	if err != nil {
		return nil, err
	}
	return builder(src, normalizer), nil
}

// Global factory instance
var GlobalStrategyFactory = NewStrategyFactory()

func init() {
	GlobalStrategyFactory.Register(StrategyHTMLTokens, func(src SourceConfig, n *DateNormalizer) Extractor {
		return NewTokenExtractor(src, n)
	})
	GlobalStrategyFactory.Register(StrategyAPIRecords, func(_ SourceConfig, n *DateNormalizer) Extractor {
		return NewRecordExtractor(n)
	})
}
