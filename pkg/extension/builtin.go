package extension

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
	"github.com/illmade-knight/go-mapper/pkg/substitution"
)

// JSONProcessor is the built-in processor for DEFAULT and QUERY mappings.
// It deserializes the raw payload as JSON and hands extraction to the
// rule-based evaluator.
type JSONProcessor struct {
	evaluator *substitution.Evaluator
	logger    zerolog.Logger
}

// NewJSONProcessor creates the built-in JSON processor.
func NewJSONProcessor(evaluator *substitution.Evaluator, logger zerolog.Logger) *JSONProcessor {
	return &JSONProcessor{
		evaluator: evaluator,
		logger:    logger.With().Str("component", "JSONProcessor").Logger(),
	}
}

// ExtractFromSource parses the payload and evaluates the mapping's
// substitution rules against it.
func (p *JSONProcessor) ExtractFromSource(_ context.Context, pc *mapping.ProcessingContext) error {
	if err := parseJSONPayload(pc); err != nil {
		return err
	}
	return p.evaluator.Extract(pc)
}
