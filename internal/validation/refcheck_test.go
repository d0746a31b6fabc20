package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetiq/flowline/pkg/schema"
)

func TestValidateReferences(t *testing.T) {
	t.Run("valid definition has no dangling references", func(t *testing.T) {
		result := validateReferences(scoringDefinition())
		assert.True(t, result.Valid())
	})

	t.Run("agent input referencing nothing", func(t *testing.T) {
		def := scoringDefinition()
		def.Steps[0].Input = map[string]any{"text": "{{summary.text}}"}

		result := validateReferences(def)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "summary.text")
	})

	t.Run("condition reading a later step's output", func(t *testing.T) {
		def := scoringDefinition()
		def.Steps[1].Condition = "verdict.status == \"approved\""

		result := validateReferences(def)
		require.False(t, result.Valid())
		assert.Equal(t, "steps[1].condition", result.Errors[0].Path)
	})

	t.Run("branch outputs usable after the condition joins", func(t *testing.T) {
		def := scoringDefinition()
		def.Steps = append(def.Steps, schema.StepDefinition{
			ID:        "report",
			Type:      schema.StepTypeTransform,
			OutputKey: "report",
			Transform: map[string]string{"status": "verdict.status"},
		})

		result := validateReferences(def)
		assert.True(t, result.Valid())
	})

	t.Run("branch cannot see sibling writes", func(t *testing.T) {
		def := &schema.WorkflowDefinition{
			ID: "fanout",
			Steps: []schema.StepDefinition{{
				ID:   "fan",
				Type: schema.StepTypeParallel,
				Branches: [][]schema.StepDefinition{
					{{
						ID: "left", Type: schema.StepTypeTransform,
						OutputKey: "left", Transform: map[string]string{"v": "input.a"},
					}},
					{{
						ID: "right", Type: schema.StepTypeTransform,
						OutputKey: "right", Transform: map[string]string{"v": "left.v"},
					}},
				},
			}},
		}

		result := validateReferences(def)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "left.v")
	})

	t.Run("parallel outputs usable after the join", func(t *testing.T) {
		def := &schema.WorkflowDefinition{
			ID: "fanout",
			Steps: []schema.StepDefinition{
				{
					ID:   "fan",
					Type: schema.StepTypeParallel,
					Branches: [][]schema.StepDefinition{
						{{
							ID: "left", Type: schema.StepTypeTransform,
							OutputKey: "left", Transform: map[string]string{"v": "input.a"},
						}},
						{{
							ID: "right", Type: schema.StepTypeTransform,
							OutputKey: "right", Transform: map[string]string{"v": "input.b"},
						}},
					},
				},
				{
					ID:                "combine",
					Type:              schema.StepTypeAggregate,
					OutputKey:         "combined",
					Sources:           []string{"left", "right"},
					AggregateFunction: schema.AggregateMerge,
				},
			},
		}

		result := validateReferences(def)
		assert.True(t, result.Valid())
	})

	t.Run("aggregate source never produced", func(t *testing.T) {
		def := &schema.WorkflowDefinition{
			ID: "agg",
			Steps: []schema.StepDefinition{{
				ID:                "combine",
				Type:              schema.StepTypeAggregate,
				OutputKey:         "combined",
				Sources:           []string{"ghost"},
				AggregateFunction: schema.AggregateSum,
			}},
		}

		result := validateReferences(def)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "ghost")
	})

	t.Run("validate rule referencing earlier output", func(t *testing.T) {
		def := scoringDefinition()
		def.Steps = append(def.Steps, schema.StepDefinition{
			ID:   "check",
			Type: schema.StepTypeValidate,
			Validation: &schema.ValidationConfig{Rules: []schema.ValidationRule{
				{Field: "verdict.status", Condition: "verdict.status != null", Message: "verdict required"},
			}},
		})

		result := validateReferences(def)
		assert.True(t, result.Valid())
	})
}
