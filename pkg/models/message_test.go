package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBuilder(t *testing.T) {
	msg := NewMessageBuilder().
		WithBody(map[string]interface{}{"id": 7}).
		WithField("project_id", 3).
		WithType("card").
		WithGroup("g-1").
		Build()

	assert.Equal(t, 7, msg.Body["id"])
	assert.Equal(t, "card", msg.Type())
	assert.Equal(t, "card", msg.Body[PropertyType])
	assert.Equal(t, "g-1", msg.GroupID())
	require.NoError(t, ValidateMessage(msg))
}

func TestMessage_Int64Body(t *testing.T) {
	var decoded Message
	require.NoError(t, json.Unmarshal([]byte(`{"body":{"id":42,"text":"17","bad":"x"}}`), &decoded))

	id, err := decoded.Int64Body("id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	n, err := decoded.Int64Body("text")
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)

	_, err = decoded.Int64Body("bad")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "body.bad", ve.Field)

	_, err = decoded.Int64Body("missing")
	assert.Error(t, err)
}

func TestMessage_Int64SliceBody(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  []int64
	}{
		{"decoded json", []interface{}{float64(1), float64(2)}, []int64{1, 2}},
		{"int64 slice", []int64{3}, []int64{3}},
		{"int slice", []int{4, 5}, []int64{4, 5}},
		{"scalar", 6, []int64{6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewMessageBuilder().WithField("ids", tt.value).Build()
			got, err := msg.Int64SliceBody("ids")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	msg := NewMessageBuilder().WithField("ids", []interface{}{"a"}).Build()
	_, err := msg.Int64SliceBody("ids")
	assert.Error(t, err)
}

func TestMessage_CloneIsDeep(t *testing.T) {
	msg := NewMessageBuilder().
		WithField("nested", map[string]interface{}{"k": "v"}).
		WithField("ids", []int64{1}).
		Build()

	c := msg.Clone()
	c.Body["nested"].(map[string]interface{})["k"] = "changed"
	c.Body["ids"].([]int64)[0] = 9

	assert.Equal(t, "v", msg.Body["nested"].(map[string]interface{})["k"])
	assert.Equal(t, int64(1), msg.Body["ids"].([]int64)[0])

	tagged := msg.WithProperty("x", 1)
	assert.NotContains(t, msg.Properties, "x")
	assert.NotContains(t, tagged.WithoutProperty("x").Properties, "x")
}

func TestValidateMessage(t *testing.T) {
	assert.Error(t, ValidateMessage(Message{}))

	msg := NewMessageBuilder().WithProperty("ids", []int{1}).Build()
	err := ValidateMessage(msg)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "properties.ids", ve.Field)
}

func TestValidateQueueName(t *testing.T) {
	for _, q := range []string{"mingle.indexing.cards", "a", "dead_letter.q1"} {
		assert.NoError(t, ValidateQueueName(q), q)
	}
	for _, q := range []string{"", "Mingle.cards", "a..b", ".a", "a b"} {
		assert.Error(t, ValidateQueueName(q), q)
	}
}
