package extension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapper/pkg/mapping"
	"github.com/illmade-knight/go-mapper/pkg/substitution"
)

// DefaultScriptBudget bounds how long one script evaluation may run before
// it is abandoned as a recoverable processing failure.
const DefaultScriptBudget = 500 * time.Millisecond

// CodeProcessor evaluates CODE and FLOW mappings: an expression program
// receives the parsed payload and topic and returns a map of target paths
// to values. Programs are compiled once per mapping and cached; FLOW
// mappings reference a shared program registered under the code template
// name instead of carrying their own source.
type CodeProcessor struct {
	evaluator *substitution.Evaluator
	budget    time.Duration
	logger    zerolog.Logger

	mu       sync.RWMutex
	programs map[string]*vm.Program
	shared   map[string]*vm.Program
}

// NewCodeProcessor creates a CodeProcessor. A non-positive budget falls back
// to DefaultScriptBudget.
func NewCodeProcessor(evaluator *substitution.Evaluator, budget time.Duration, logger zerolog.Logger) *CodeProcessor {
	if budget <= 0 {
		budget = DefaultScriptBudget
	}
	return &CodeProcessor{
		evaluator: evaluator,
		budget:    budget,
		logger:    logger.With().Str("component", "CodeProcessor").Logger(),
		programs:  make(map[string]*vm.Program),
		shared:    make(map[string]*vm.Program),
	}
}

// RegisterSharedCode compiles a named program for FLOW mappings to
// reference.
func (p *CodeProcessor) RegisterSharedCode(name, source string) error {
	program, err := compileProgram(source)
	if err != nil {
		return fmt.Errorf("compiling shared code %q: %w", name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shared[name] = program
	return nil
}

// InvalidateProgram drops the compiled program cached for a mapping, used
// when the mapping's code changes.
func (p *CodeProcessor) InvalidateProgram(mappingID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.programs, mappingID)
}

// ExtractFromSource runs the mapping's program against the parsed payload.
// A nil or empty result marks the message as intentionally filtered. The
// program runs under the CPU budget; overruns fail this mapping only.
func (p *CodeProcessor) ExtractFromSource(ctx context.Context, pc *mapping.ProcessingContext) error {
	if err := parseJSONPayload(pc); err != nil {
		return err
	}
	m := pc.Mapping

	program, err := p.programFor(m)
	if err != nil {
		return mapping.NewProcessingError(m.ID, "code compilation", err)
	}

	env := map[string]any{
		"payload":        pc.Payload,
		"topic":          pc.Topic,
		"topicLevels":    mapping.SplitTopic(pc.Topic),
		"api":            string(m.TargetAPI),
		"identifierPath": m.TargetAPI.DeviceIdentifierPath(),
	}

	result, err := p.runWithBudget(ctx, program, env)
	if err != nil {
		return mapping.NewProcessingError(m.ID, "code evaluation", err)
	}
	if result == nil {
		pc.SetIgnoreFurtherProcessing()
		return nil
	}
	out, ok := result.(map[string]any)
	if !ok {
		return mapping.NewProcessingError(m.ID, "code evaluation",
			fmt.Errorf("script returned %T, expected a map of target paths to values", result))
	}

	applyExtractionResult(pc, out)
	if !pc.IgnoreFurtherProcessing() {
		p.evaluator.InjectTimeIfMissing(pc)
	}
	return nil
}

// programFor returns the compiled program for a mapping, compiling and
// caching CODE sources on first use.
func (p *CodeProcessor) programFor(m *mapping.Mapping) (*vm.Program, error) {
	if m.Type == mapping.TypeFlow {
		p.mu.RLock()
		program, ok := p.shared[m.CodeTemplate]
		p.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("flow %q is not registered", m.CodeTemplate)
		}
		return program, nil
	}

	p.mu.RLock()
	program, ok := p.programs[m.ID]
	p.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := compileProgram(m.CodeTemplate)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.programs[m.ID] = program
	p.mu.Unlock()
	return program, nil
}

// runWithBudget evaluates a program in a separate goroutine so a runaway
// script cannot stall the worker past its budget. An abandoned goroutine
// finishes on its own; expr programs cannot block on IO.
func (p *CodeProcessor) runWithBudget(ctx context.Context, program *vm.Program, env map[string]any) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("script panicked: %v", r)}
			}
		}()
		value, err := expr.Run(program, env)
		done <- outcome{value: value, err: err}
	}()

	timer := time.NewTimer(p.budget)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		p.logger.Warn().Dur("budget", p.budget).Msg("Script exceeded its CPU budget.")
		return nil, fmt.Errorf("script exceeded its %s budget", p.budget)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func compileProgram(source string) (*vm.Program, error) {
	return expr.Compile(source, expr.AllowUndefinedVariables())
}
