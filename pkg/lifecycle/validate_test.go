package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustdesk/govrec/pkg/payload"
	"github.com/trustdesk/govrec/pkg/record"
)

const minutesSchema = `{
	"type": "object",
	"required": ["meeting_date", "attendees"],
	"properties": {
		"meeting_date": {"type": "string"},
		"attendees": {"type": "array", "minItems": 1},
		"quorum": {"type": "boolean"}
	}
}`

func TestSchemaValidator_AllRulesReported(t *testing.T) {
	v, err := NewSchemaValidator(map[record.ModuleType]string{
		record.ModuleMinutes: minutesSchema,
	})
	require.NoError(t, err)

	// Missing both required fields and a type violation: all three problems
	// must surface in one report.
	rep := v.Validate(record.ModuleMinutes, payload.Document{"quorum": "yes"})
	assert.False(t, rep.Clean())
	assert.ElementsMatch(t, []string{"meeting_date", "attendees"}, rep.MissingRequired)
	assert.NotEmpty(t, rep.Errors)
}

func TestSchemaValidator_CleanPayload(t *testing.T) {
	v, err := NewSchemaValidator(map[record.ModuleType]string{
		record.ModuleMinutes: minutesSchema,
	})
	require.NoError(t, err)

	rep := v.Validate(record.ModuleMinutes, payload.Document{
		"meeting_date": "2026-03-01",
		"attendees":    []any{"trustee a"},
		"quorum":       true,
	})
	assert.True(t, rep.Clean())
	assert.Empty(t, rep.MissingRequired)
}

func TestSchemaValidator_UnconfiguredModulePasses(t *testing.T) {
	v, err := NewSchemaValidator(map[record.ModuleType]string{})
	require.NoError(t, err)
	rep := v.Validate(record.ModuleInsurance, payload.Document{"anything": 1})
	assert.True(t, rep.Clean())
}

func TestSchemaValidator_BadSchema(t *testing.T) {
	_, err := NewSchemaValidator(map[record.ModuleType]string{
		record.ModuleDispute: `{"type": 42}`,
	})
	assert.Error(t, err)
}

func TestReportClean(t *testing.T) {
	assert.True(t, Report{}.Clean())
	assert.True(t, Report{Warnings: []string{"w"}}.Clean(), "warnings do not block")
	assert.False(t, Report{Errors: []string{"e"}}.Clean())
	assert.False(t, Report{MissingRequired: []string{"f"}}.Clean())
}
