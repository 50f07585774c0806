package lifecycle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/trustdesk/govrec/pkg/payload"
	"github.com/trustdesk/govrec/pkg/record"
)

// Report aggregates every rule violated by a payload. Finalization never
// fails fast on the first problem: the caller gets the complete remediation
// list in one round trip.
type Report struct {
	Errors          []string `json:"errors"`
	Warnings        []string `json:"warnings"`
	MissingRequired []string `json:"missing_required"`
}

// Clean reports whether the payload has no blocking problems. Warnings do
// not block finalization.
func (r Report) Clean() bool {
	return len(r.Errors) == 0 && len(r.MissingRequired) == 0
}

// Validator checks a payload against the rules for its module type before
// finalization. Required-field rules are a collaborator concern, configured
// per module type, never hardcoded into the engine.
type Validator interface {
	Validate(module record.ModuleType, doc payload.Document) Report
}

// NopValidator accepts every payload.
type NopValidator struct{}

func (NopValidator) Validate(record.ModuleType, payload.Document) Report { return Report{} }

// SchemaValidator validates payloads against per-module JSON Schemas.
type SchemaValidator struct {
	schemas map[record.ModuleType]*jsonschema.Schema
}

// NewSchemaValidator compiles one schema per module type from raw JSON
// Schema documents. Module types without a schema pass validation.
func NewSchemaValidator(schemas map[record.ModuleType]string) (*SchemaValidator, error) {
	compiled := make(map[record.ModuleType]*jsonschema.Schema, len(schemas))
	for mt, raw := range schemas {
		c := jsonschema.NewCompiler()
		url := fmt.Sprintf("govrec://schemas/%s.json", mt)
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", mt, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", mt, err)
		}
		compiled[mt] = sch
	}
	return &SchemaValidator{schemas: compiled}, nil
}

func (v *SchemaValidator) Validate(module record.ModuleType, doc payload.Document) Report {
	sch, ok := v.schemas[module]
	if !ok {
		return Report{}
	}

	// The schema library validates plain interface values; round-tripping
	// through normalized form keeps json.Number handling consistent.
	err := sch.Validate(map[string]any(doc))
	if err == nil {
		return Report{}
	}

	var rep Report
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		rep.Errors = append(rep.Errors, err.Error())
		return rep
	}
	collectCauses(ve, &rep)
	sort.Strings(rep.Errors)
	sort.Strings(rep.MissingRequired)
	return rep
}

// collectCauses walks to the leaf causes so every violated rule is listed
// once, and routes required-property violations into MissingRequired.
func collectCauses(ve *jsonschema.ValidationError, rep *Report) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collectCauses(c, rep)
		}
		return
	}
	if strings.HasSuffix(ve.KeywordLocation, "/required") {
		for _, name := range quotedNames(ve.Message) {
			rep.MissingRequired = append(rep.MissingRequired, joinLocation(ve.InstanceLocation, name))
		}
		return
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %s", loc, ve.Message))
}

// quotedNames extracts 'single-quoted' property names from a message like
// "missing properties: 'amount', 'status'".
func quotedNames(msg string) []string {
	var names []string
	parts := strings.Split(msg, "'")
	for i := 1; i < len(parts); i += 2 {
		if parts[i] != "" {
			names = append(names, parts[i])
		}
	}
	return names
}

func joinLocation(instance, name string) string {
	if instance == "" {
		return name
	}
	return strings.TrimPrefix(instance, "/") + "/" + name
}
