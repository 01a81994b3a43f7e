package cel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mingle/pkg/models"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		want     string
		idents   []string
	}{
		{
			name:     "string equality",
			selector: "my_property = 'hello'",
			want:     `p_my_property != null && p_my_property == "hello"`,
			idents:   []string{"my_property"},
		},
		{
			name:     "not equals and numbers",
			selector: "priority <> 3 AND weight >= 1.5",
			want:     `p_priority != null && p_priority != 3.0 && p_weight != null && p_weight >= 1.5`,
			idents:   []string{"priority", "weight"},
		},
		{
			name:     "not binds looser than comparison",
			selector: "NOT type = 'card'",
			want:     `p_type != null && p_type != "card"`,
			idents:   []string{"type"},
		},
		{
			name:     "in list",
			selector: "type IN ('card', 'page')",
			want:     `p_type != null && p_type in ["card", "page"]`,
			idents:   []string{"type"},
		},
		{
			name:     "not in list",
			selector: "type NOT IN ('card')",
			want:     `p_type != null && !(p_type in ["card"])`,
			idents:   []string{"type"},
		},
		{
			name:     "is not null and grouping",
			selector: "(murmurId IS NOT NULL OR a = 1) and b is null",
			want:     `(p_murmurId != null || p_a != null && p_a == 1.0) && p_b == null`,
			idents:   []string{"murmurId", "a", "b"},
		},
		{
			name:     "escaped quote",
			selector: "name = 'it''s'",
			want:     `p_name != null && p_name == "it's"`,
			idents:   []string{"name"},
		},
		{
			name:     "like",
			selector: "name LIKE 'ca_d%'",
			want:     `p_name != null && p_name.matches("(?s)^ca.d.*$")`,
			idents:   []string{"name"},
		},
		{
			name:     "like with escape",
			selector: `code NOT LIKE 'a\_%' ESCAPE '\'`,
			want:     `p_code != null && !p_code.matches("(?s)^a_.*$")`,
			idents:   []string{"code"},
		},
		{
			name:     "between",
			selector: "n BETWEEN 1 AND 5",
			want:     `p_n != null && p_n >= 1.0 && p_n <= 5.0`,
			idents:   []string{"n"},
		},
		{
			name:     "parenthesized arithmetic",
			selector: "(a + 1) * 2 > 4",
			want:     `p_a != null && (p_a + 1.0) * 2.0 > 4.0`,
			idents:   []string{"a"},
		},
		{
			name:     "comparison with null literal is unknown",
			selector: "a = NULL",
			want:     `false`,
			idents:   []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, idents, err := Translate(tt.selector)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.idents, idents)
		})
	}
}

func TestTranslate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		selector string
	}{
		{name: "unterminated string", selector: "a = 'oops"},
		{name: "dangling operator", selector: "a ="},
		{name: "unbalanced paren", selector: "(a = 1"},
		{name: "like needs a string pattern", selector: "a LIKE b"},
		{name: "dangling escape", selector: `a LIKE 'x!' ESCAPE '!'`},
		{name: "between without and", selector: "a BETWEEN 1 OR 2"},
		{name: "not without membership", selector: "a NOT = 1"},
		{name: "bang operator", selector: "!a"},
		{name: "non literal in list", selector: "a IN (b)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Translate(tt.selector)
			require.Error(t, err)
			var syntaxErr *SyntaxError
			assert.ErrorAs(t, err, &syntaxErr)
		})
	}
}

func TestEvaluator_Match(t *testing.T) {
	eval := NewEvaluator()
	ctx := context.Background()

	msg := models.NewMessageBuilder().
		WithProperty("my_property", "hello").
		WithProperty("priority", 3).
		WithProperty("weight", 2.5).
		WithProperty("urgent", true).
		Build()

	tests := []struct {
		name     string
		selector string
		want     bool
	}{
		{name: "empty selector matches everything", selector: "", want: true},
		{name: "string equality", selector: "my_property = 'hello'", want: true},
		{name: "string mismatch", selector: "my_property = 'bye'", want: false},
		{name: "int property against literal", selector: "priority = 3", want: true},
		{name: "float comparison", selector: "weight > 2", want: true},
		{name: "arithmetic", selector: "priority * 2 = 6", want: true},
		{name: "boolean property", selector: "urgent = TRUE", want: true},
		{name: "missing property is null", selector: "missing IS NULL", want: true},
		{name: "missing property compared to number", selector: "missing > 1", want: false},
		{name: "in list", selector: "my_property IN ('hi', 'hello')", want: true},
		{name: "or", selector: "my_property = 'x' OR priority < 5", want: true},
		{name: "not", selector: "NOT urgent = TRUE", want: false},
		{name: "bare boolean property", selector: "urgent AND priority = 3", want: true},
		{name: "like", selector: "my_property LIKE 'he%'", want: true},
		{name: "like single character", selector: "my_property LIKE 'he_o'", want: false},
		{name: "not like", selector: "my_property NOT LIKE 'h_llo'", want: false},
		{name: "like escaped wildcard", selector: `my_property LIKE 'h\%' ESCAPE '\'`, want: false},
		{name: "between", selector: "priority BETWEEN 1 AND 3", want: true},
		{name: "not between", selector: "weight NOT BETWEEN 1 AND 2", want: true},
		{name: "not equal on missing property", selector: "color <> 'red'", want: false},
		{name: "negated equality on missing property", selector: "NOT (color = 'red')", want: false},
		{name: "negated comparison on missing property", selector: "NOT (missing > 2)", want: false},
		{name: "not in on missing property", selector: "color NOT IN ('red')", want: false},
		{name: "false and unknown is false", selector: "NOT (priority = 1 AND missing = 2)", want: true},
		{name: "true or unknown is true", selector: "missing = 1 OR priority = 3", want: true},
		{name: "double negation stays unknown", selector: "NOT NOT missing = 1", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Match(ctx, tt.selector, msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_Filter(t *testing.T) {
	eval := NewEvaluator()

	msgs := []models.Message{
		models.NewMessageBuilder().WithProperty("my_property", "hello").Build(),
		models.NewMessageBuilder().WithProperty("my_property", "world").Build(),
		models.NewMessageBuilder().Build(),
	}

	got, err := eval.Filter(context.Background(), "my_property = 'hello'", msgs)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].StringProperty("my_property"))
}

func TestEvaluator_CachesCompiledSelectors(t *testing.T) {
	eval := NewEvaluator()

	first, err := eval.Compile("a = 1")
	require.NoError(t, err)
	second, err := eval.Compile("a = 1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "p_a != null && p_a == 1.0", first.Expression())
}

func TestEvaluator_ValidateSelector(t *testing.T) {
	eval := NewEvaluator()

	assert.NoError(t, eval.ValidateSelector("type = 'card'"))
	assert.NoError(t, eval.ValidateSelector("package = 'x' AND int = 2"))
	assert.Error(t, eval.ValidateSelector("type = "))
}
