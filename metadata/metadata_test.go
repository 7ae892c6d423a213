package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	doc := Document{
		"category": String("tech"),
		"year":     Int(2024),
		"price":    Float(99.5),
		"active":   Bool(true),
		"tags":     Array([]Value{String("go"), String("db")}),
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"EqString", Filter{Key: "category", Operator: OpEqual, Value: String("tech")}, true},
		{"EqStringMiss", Filter{Key: "category", Operator: OpEqual, Value: String("news")}, false},
		{"NeString", Filter{Key: "category", Operator: OpNotEqual, Value: String("news")}, true},
		{"EqIntFloatCrossType", Filter{Key: "year", Operator: OpEqual, Value: Float(2024)}, true},
		{"Gt", Filter{Key: "year", Operator: OpGreaterThan, Value: Int(2020)}, true},
		{"GtEqualBoundary", Filter{Key: "year", Operator: OpGreaterThan, Value: Int(2024)}, false},
		{"Gte", Filter{Key: "year", Operator: OpGreaterEqual, Value: Int(2024)}, true},
		{"Lt", Filter{Key: "price", Operator: OpLessThan, Value: Float(100)}, true},
		{"Lte", Filter{Key: "price", Operator: OpLessEqual, Value: Float(99.5)}, true},
		{"In", Filter{Key: "category", Operator: OpIn, Value: Array([]Value{String("tech"), String("news")})}, true},
		{"InMiss", Filter{Key: "category", Operator: OpIn, Value: Array([]Value{String("sports")})}, false},
		{"ContainsSubstring", Filter{Key: "category", Operator: OpContains, Value: String("ec")}, true},
		{"ContainsArrayElement", Filter{Key: "tags", Operator: OpContains, Value: String("go")}, true},
		{"MissingKey", Filter{Key: "missing", Operator: OpEqual, Value: Null()}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(doc))
		})
	}
}

func TestFilterSetANDLogic(t *testing.T) {
	doc := Document{"a": Int(1), "b": Int(2)}

	fs := NewFilterSet(
		Filter{Key: "a", Operator: OpEqual, Value: Int(1)},
		Filter{Key: "b", Operator: OpEqual, Value: Int(2)},
	)
	assert.True(t, fs.Matches(doc))

	fs = NewFilterSet(
		Filter{Key: "a", Operator: OpEqual, Value: Int(1)},
		Filter{Key: "b", Operator: OpEqual, Value: Int(3)},
	)
	assert.False(t, fs.Matches(doc))
}

func TestParseOperator(t *testing.T) {
	for _, op := range []string{"eq", "ne", "gt", "gte", "lt", "lte", "in", "contains"} {
		_, err := ParseOperator(op)
		require.NoError(t, err)
	}

	_, err := ParseOperator("like")
	assert.Error(t, err)
}

func TestDocumentFromAny(t *testing.T) {
	doc, err := DocumentFromAny(map[string]any{
		"name":  "widget",
		"count": 3.0, // JSON integral float
		"ratio": 0.5,
		"tags":  []any{"a", "b"},
	})
	require.NoError(t, err)

	assert.Equal(t, Int(3), doc["count"])
	assert.Equal(t, Float(0.5), doc["ratio"])
	assert.Equal(t, String("widget"), doc["name"])

	back := DocumentToAny(doc)
	assert.Equal(t, "widget", back["name"])
	assert.Equal(t, int64(3), back["count"])

	_, err = FromAny(struct{}{})
	assert.Error(t, err)
}

func TestUnifiedIndex(t *testing.T) {
	t.Run("SetGetDelete", func(t *testing.T) {
		ui := NewUnifiedIndex()
		ui.Set(1, Document{"category": String("tech")})

		doc, ok := ui.Get(1)
		require.True(t, ok)
		assert.Equal(t, String("tech"), doc["category"])

		ui.Delete(1)
		_, ok = ui.Get(1)
		assert.False(t, ok)
		assert.Equal(t, 0, ui.Len())
	})

	t.Run("CompileEquality", func(t *testing.T) {
		ui := NewUnifiedIndex()
		ui.Set(1, Document{"category": String("tech"), "year": Int(2023)})
		ui.Set(2, Document{"category": String("tech"), "year": Int(2024)})
		ui.Set(3, Document{"category": String("news"), "year": Int(2024)})

		bm := ui.CompileFilter(NewFilterSet(
			Filter{Key: "category", Operator: OpEqual, Value: String("tech")},
			Filter{Key: "year", Operator: OpEqual, Value: Int(2024)},
		))
		require.NotNil(t, bm)
		assert.Equal(t, []uint32{2}, bm.ToArray())
	})

	t.Run("CompileIn", func(t *testing.T) {
		ui := NewUnifiedIndex()
		ui.Set(1, Document{"category": String("tech")})
		ui.Set(2, Document{"category": String("news")})
		ui.Set(3, Document{"category": String("sports")})

		bm := ui.CompileFilter(NewFilterSet(
			Filter{Key: "category", Operator: OpIn, Value: Array([]Value{String("tech"), String("news")})},
		))
		require.NotNil(t, bm)
		assert.Equal(t, []uint32{1, 2}, bm.ToArray())
	})

	t.Run("RangeFallsBackToScan", func(t *testing.T) {
		ui := NewUnifiedIndex()
		ui.Set(1, Document{"year": Int(2020)})
		ui.Set(2, Document{"year": Int(2025)})

		fs := NewFilterSet(Filter{Key: "year", Operator: OpGreaterThan, Value: Int(2022)})
		assert.Nil(t, ui.CompileFilter(fs))

		match := ui.CreateFilterFunc(fs)
		require.NotNil(t, match)
		assert.False(t, match(1))
		assert.True(t, match(2))
		assert.False(t, match(42))
	})

	t.Run("SerializeRestore", func(t *testing.T) {
		ui := NewUnifiedIndex()
		ui.Set(1, Document{"category": String("tech")})
		ui.Set(2, Document{"category": String("news")})

		state := ui.ToSerializable()

		restored := NewUnifiedIndex()
		require.NoError(t, restored.FromSerializable(state))
		assert.Equal(t, 2, restored.Len())

		bm := restored.CompileFilter(NewFilterSet(
			Filter{Key: "category", Operator: OpEqual, Value: String("news")},
		))
		require.NotNil(t, bm)
		assert.Equal(t, []uint32{2}, bm.ToArray())
	})
}
