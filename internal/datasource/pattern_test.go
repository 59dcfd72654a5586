package datasource

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

func TestPlaceholders(t *testing.T) {
	pattern := "SELECT * FROM orders WHERE customer_id = {{customer_id}} {% if status %}AND status = {{ status }}{% endif %} AND total > {{customer_id}}"
	assert.Equal(t, []string{"customer_id", "status"}, Placeholders(pattern))
	assert.Equal(t, []string{"status"}, Conditionals(pattern))
}

func TestUnguarded(t *testing.T) {
	pattern := "SELECT * FROM orders WHERE id = {{id}}{% if status %} AND status = {{status}} AND region = {{region}}{% endif %}"

	assert.True(t, Unguarded(pattern, "id"))
	assert.False(t, Unguarded(pattern, "status"))
	assert.True(t, Unguarded(pattern, "region"))
	assert.False(t, Unguarded(pattern, "missing"))
}

func TestExpandConditionalBlocks(t *testing.T) {
	pattern := "SELECT * FROM orders WHERE 1=1{% if status %} AND status = {{status}}{% endif %}"

	assert.Equal(t, "SELECT * FROM orders WHERE 1=1 AND status = {{status}}",
		Expand(pattern, map[string]any{"status": "paid"}))
	assert.Equal(t, "SELECT * FROM orders WHERE 1=1",
		Expand(pattern, map[string]any{}))
	assert.Equal(t, "SELECT * FROM orders WHERE 1=1",
		Expand(pattern, map[string]any{"status": ""}))
}

func TestBoundQueryValidate(t *testing.T) {
	q := BoundQuery{
		TemplateID: "orders_by_customer",
		Pattern:    "SELECT * FROM orders WHERE customer_id = {{customer_id}} AND region = {{region}}",
		Values:     map[string]any{"customer_id": int64(42)},
	}

	err := q.Validate()
	require.Error(t, err)

	var unresolved *errs.UnresolvedPlaceholderError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, []string{"region"}, unresolved.Placeholders)

	q.Values["region"] = "EU"
	assert.NoError(t, q.Validate())
}

func TestBoundQueryPositional(t *testing.T) {
	q := BoundQuery{
		Pattern: "SELECT * FROM orders WHERE customer_id = {{id}} AND status IN ({{statuses}})",
		Values: map[string]any{
			"id":       int64(7),
			"statuses": []string{"paid", "shipped"},
		},
	}

	stmt, args := q.Positional(DollarMarker)
	assert.Equal(t, "SELECT * FROM orders WHERE customer_id = $1 AND status IN ($2, $3)", stmt)
	assert.Equal(t, []any{int64(7), "paid", "shipped"}, args)

	stmt, _ = q.Positional(QuestionMarker)
	assert.Equal(t, "SELECT * FROM orders WHERE customer_id = ? AND status IN (?, ?)", stmt)
}

func TestBoundQueryInlineJSON(t *testing.T) {
	q := BoundQuery{
		Pattern: `{"collection": "orders", "filter": {"name": "{{name}}", "qty": {{qty}}}}`,
		Values:  map[string]any{"name": `O"Brien`, "qty": int64(3)},
	}

	out, err := q.Inline(jsonValue)
	require.NoError(t, err)
	assert.Equal(t, `{"collection": "orders", "filter": {"name": "O\"Brien", "qty": 3}}`, out)
}
