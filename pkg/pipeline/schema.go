package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// GenerateJSONSchema produces the JSON Schema (Draft 2020-12) of a
// pipeline definition.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&Definition{})
	s.ID = "https://github.com/ormasoftchile/gantry/schemas/pipeline-v1.json"
	s.Title = "Gantry pipeline (pipeline/v1)"
	s.Description = "Schema for pipeline/v1 definition documents"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline schema: %w", err)
	}
	return data, nil
}

// Validation phases.
const (
	PhaseStructural = "structural"
	PhaseSemantic   = "semantic"
	PhaseDomain     = "domain"
)

// ValidationError is one problem found while validating a definition.
type ValidationError struct {
	Phase   string `json:"phase"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile runs the three validation phases over a definition file:
// structural (strict decode), semantic (JSON Schema) and domain (graph
// build). The graph is returned when every phase passes.
func ValidateFile(path string) (*Graph, []*ValidationError) {
	def, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{Phase: PhaseStructural, Message: err.Error()}}
	}
	return Validate(def)
}

// Validate runs the semantic and domain phases over a decoded
// definition.
func Validate(def *Definition) (*Graph, []*ValidationError) {
	errs := validateSemantic(def)
	g, err := Build(def)
	if err != nil {
		errs = append(errs, domainErrors(err)...)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return g, nil
}

func validateSemantic(def *Definition) []*ValidationError {
	semantic := func(format string, args ...any) []*ValidationError {
		return []*ValidationError{{Phase: PhaseSemantic, Message: fmt.Sprintf(format, args...)}}
	}
	data, err := json.Marshal(def)
	if err != nil {
		return semantic("marshal for schema validation: %v", err)
	}
	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semantic("generate schema: %v", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semantic("unmarshal schema: %v", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource("pipeline-v1.json", schemaDoc); err != nil {
		return semantic("add schema resource: %v", err)
	}
	sch, err := c.Compile("pipeline-v1.json")
	if err != nil {
		return semantic("compile schema: %v", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return semantic("unmarshal document: %v", err)
	}

	err = sch.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *sjsonschema.ValidationError
	if !errors.As(err, &ve) {
		return semantic("%v", err)
	}
	var errs []*ValidationError
	for _, cause := range flattenValidationErrors(ve) {
		errs = append(errs, &ValidationError{
			Phase:   PhaseSemantic,
			Path:    strings.Join(cause.InstanceLocation, "/"),
			Message: fmt.Sprintf("%v", cause.ErrorKind),
		})
	}
	return errs
}

func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// domainErrors unpacks the joined DefinitionErrors returned by Build.
func domainErrors(err error) []*ValidationError {
	var list []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		list = joined.Unwrap()
	} else {
		list = []error{err}
	}
	out := make([]*ValidationError, 0, len(list))
	for _, e := range list {
		var de *DefinitionError
		if errors.As(e, &de) {
			out = append(out, &ValidationError{Phase: PhaseDomain, Path: de.Stage, Message: de.Message})
			continue
		}
		out = append(out, &ValidationError{Phase: PhaseDomain, Message: e.Error()})
	}
	return out
}
