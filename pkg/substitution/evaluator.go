// Package substitution implements the rule-based transformation engine: the
// Evaluator extracts typed candidate values from a parsed source payload
// according to a mapping's substitution rules, and the Writer applies them
// to the mapping's target template, fanning out to multiple output objects
// when a rule expanded an array of device identifiers.
package substitution

import (
	"fmt"
	"time"

	"github.com/jmespath/go-jmespath"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
)

// Evaluator extracts substitution values from parsed payloads. Source paths
// are JMESPath expressions; plain dot paths are a subset, so DEFAULT
// mappings evaluate through the same engine.
type Evaluator struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		logger: logger.With().Str("component", "Evaluator").Logger(),
		now:    time.Now,
	}
}

// Extract evaluates every substitution rule of the context's mapping against
// its parsed payload and populates the processing cache. Zero matches for a
// rule are not an error here: the repair strategies decide how the gap is
// handled at write time. Extraction finishes by injecting a timestamp when
// the target API requires one and no rule produced it.
func (e *Evaluator) Extract(pc *mapping.ProcessingContext) error {
	m := pc.Mapping
	for _, rule := range m.Substitutions {
		result, err := jmespath.Search(rule.SourcePath, pc.Payload)
		if err != nil {
			return mapping.NewProcessingError(m.ID, "extraction",
				fmt.Errorf("source path %q: %w", rule.SourcePath, err))
		}
		if result == nil {
			if rule.Repair == mapping.RepairRemoveIfMissing {
				// The writer needs a marker entry to know this template key
				// must be deleted rather than left at its default.
				pc.Cache.Add(rule.TargetPath, mapping.SubstituteValue{
					Kind:   mapping.ValueIgnore,
					Repair: mapping.RepairRemoveIfMissing,
				})
				continue
			}
			e.logger.Debug().Str("mapping_id", m.ID).Str("source_path", rule.SourcePath).
				Msg("Source path matched nothing.")
			continue
		}

		if rule.ExpandArray {
			arr, ok := result.([]any)
			if !ok {
				pc.AddWarning(fmt.Sprintf("source path %q is marked expandArray but produced a %T, treating as a single value", rule.SourcePath, result))
				pc.Cache.Add(rule.TargetPath, mapping.NewSubstituteValue(result, rule.Repair, false))
				continue
			}
			for _, element := range arr {
				sv := mapping.NewSubstituteValue(element, rule.Repair, true)
				pc.Cache.Add(rule.TargetPath, sv)
			}
			continue
		}

		pc.Cache.Add(rule.TargetPath, mapping.NewSubstituteValue(result, rule.Repair, false))
	}

	e.InjectTimeIfMissing(pc)
	return nil
}

// InjectTimeIfMissing adds the current timestamp under the reserved time
// path unless a rule already populated it. Inventory and operation objects
// carry no timestamp, so they are exempt. This also runs for
// extension-extracted caches, where the evaluator is otherwise bypassed.
func (e *Evaluator) InjectTimeIfMissing(pc *mapping.ProcessingContext) {
	api := pc.Mapping.TargetAPI
	if api == mapping.APIInventory || api == mapping.APIOperation {
		return
	}
	if pc.Cache.Has(mapping.TimePath) {
		return
	}
	pc.Cache.Add(mapping.TimePath, mapping.SubstituteValue{
		Value:  e.now().UTC().Format(time.RFC3339Nano),
		Kind:   mapping.ValueTextual,
		Repair: mapping.RepairCreateIfMissing,
	})
}
