package cel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/spf13/cast"

	"mingle/pkg/models"
)

const maxCachedSelectors = 256

// Selector is a compiled message selector.
type Selector struct {
	source     string
	expression string
	idents     []string
	program    cel.Program
}

func (s *Selector) Source() string {
	return s.source
}

// Expression returns the generated CEL source.
func (s *Selector) Expression() string {
	return s.expression
}

// Matches reports whether properties satisfy the selector. Missing
// properties evaluate as null; an evaluation error (for example comparing
// null with a number) is an unknown result and does not match.
func (s *Selector) Matches(ctx context.Context, properties map[string]interface{}) (bool, error) {
	if s.program == nil {
		return true, nil
	}

	vars := make(map[string]interface{}, len(s.idents))
	for _, name := range s.idents {
		vars[variableName(name)] = normalize(properties[name])
	}

	result, _, err := s.program.ContextEval(ctx, vars)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}

	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("selector did not return bool, got %T", result.Value())
	}
	return matched, nil
}

// Evaluator compiles selectors and caches the resulting programs.
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]*Selector
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*Selector)}
}

func (e *Evaluator) Compile(selector string) (*Selector, error) {
	e.mu.Lock()
	if cached, ok := e.cache[selector]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	compiled, err := compile(selector)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.cache) >= maxCachedSelectors {
		e.cache = make(map[string]*Selector)
	}
	e.cache[selector] = compiled
	e.mu.Unlock()

	return compiled, nil
}

func (e *Evaluator) ValidateSelector(selector string) error {
	_, err := e.Compile(selector)
	return err
}

// Match evaluates selector against the properties of msg.
func (e *Evaluator) Match(ctx context.Context, selector string, msg models.Message) (bool, error) {
	compiled, err := e.Compile(selector)
	if err != nil {
		return false, err
	}
	return compiled.Matches(ctx, msg.Properties)
}

// Filter returns the messages matching selector, preserving order.
func (e *Evaluator) Filter(ctx context.Context, selector string, msgs []models.Message) ([]models.Message, error) {
	compiled, err := e.Compile(selector)
	if err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		ok, err := compiled.Matches(ctx, msg.Properties)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func compile(selector string) (*Selector, error) {
	if selector == "" {
		return &Selector{}, nil
	}

	expression, idents, err := Translate(selector)
	if err != nil {
		return nil, err
	}

	opts := make([]cel.EnvOption, 0, len(idents))
	for _, name := range idents {
		opts = append(opts, cel.Variable(variableName(name), cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, &SyntaxError{Selector: selector, Message: issues.Err().Error()}
	}

	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, &SyntaxError{Selector: selector, Message: fmt.Sprintf("selector must be boolean, got %v", ast.OutputType())}
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Selector{source: selector, expression: expression, idents: idents, program: program}, nil
}

func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case nil, string, bool, float64:
		return v
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		return cast.ToFloat64(v)
	default:
		return cast.ToString(v)
	}
}
