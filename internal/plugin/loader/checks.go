package loader

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/xeipuuv/gojsonschema"
)

// inputChecks are the declarative checks run before a script's validate
// hook: a JSON Schema and a list of CEL rules.
type inputChecks struct {
	schema *gojsonschema.Schema
	rules  []compiledRule
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// compileChecks prepares the schema and rules of doc. It returns nil when
// the document declares neither.
func compileChecks(doc *Document) (*inputChecks, error) {
	if len(doc.InputsSchema) == 0 && len(doc.Rules) == 0 {
		return nil, nil
	}
	c := &inputChecks{}

	if len(doc.InputsSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc.InputsSchema))
		if err != nil {
			return nil, fmt.Errorf("%w: inputs_schema: %v", ErrInvalidDocument, err)
		}
		c.schema = schema
	}

	if len(doc.Rules) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("inputs", cel.MapType(cel.StringType, cel.DynType)),
			cel.CrossTypeNumericComparisons(true),
		)
		if err != nil {
			return nil, fmt.Errorf("rule environment: %w", err)
		}
		for _, r := range doc.Rules {
			ast, iss := env.Compile(r.Expr)
			if iss != nil && iss.Err() != nil {
				return nil, fmt.Errorf("%w: rule for %s: %v", ErrInvalidDocument, r.Field, iss.Err())
			}
			prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
			if err != nil {
				return nil, fmt.Errorf("%w: rule for %s: %v", ErrInvalidDocument, r.Field, err)
			}
			c.rules = append(c.rules, compiledRule{Rule: r, prg: prg})
		}
	}
	return c, nil
}

// check returns field messages for every failed check. Schema errors are
// reported first; a field keeps its first message.
func (c *inputChecks) check(ctx context.Context, inputs map[string]any) (map[string]string, error) {
	errs := make(map[string]string)
	add := func(field, msg string) {
		if _, seen := errs[field]; !seen {
			errs[field] = msg
		}
	}

	if c.schema != nil {
		res, err := c.schema.Validate(gojsonschema.NewGoLoader(inputs))
		if err != nil {
			return nil, fmt.Errorf("inputs schema: %w", err)
		}
		for _, re := range res.Errors() {
			add(schemaField(re), re.Description())
		}
	}

	for _, r := range c.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, _, err := r.prg.ContextEval(ctx, map[string]any{"inputs": inputs})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			add(r.Field, r.message())
			continue
		}
		if ok, isBool := out.Value().(bool); !isBool || !ok {
			add(r.Field, r.message())
		}
	}
	return errs, nil
}

func (r Rule) message() string {
	if r.Message != "" {
		return r.Message
	}
	return "rule failed: " + r.Expr
}

// schemaField names the input a schema error is about. Root-level errors
// such as a missing required property carry the name in their details.
func schemaField(re gojsonschema.ResultError) string {
	field := re.Field()
	if field == "(root)" {
		if p, ok := re.Details()["property"].(string); ok {
			return p
		}
		return "inputs"
	}
	return field
}
