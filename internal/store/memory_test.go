package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func TestMemoryCreateConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Create(ctx, "things", "a", testDoc{ID: "a", Name: "first"}))
	err := m.Create(ctx, "things", "a", testDoc{ID: "a", Name: "second"})
	require.ErrorIs(t, err, ErrAlreadyExists)

	doc, err := m.Get(ctx, "things", "a")
	require.NoError(t, err)
	var got testDoc
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, "first", got.Name)
}

func TestMemoryGetNotFound(t *testing.T) {
	_, err := NewMemory().Get(context.Background(), "things", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "things", "a", testDoc{ID: "a", Name: "before", Tags: []string{"x"}}))

	require.NoError(t, m.Update(ctx, "things", "a", map[string]any{"name": "after"}))

	doc, err := m.Get(ctx, "things", "a")
	require.NoError(t, err)
	var got testDoc
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, "after", got.Name)
	assert.Equal(t, []string{"x"}, got.Tags, "untouched fields survive the merge")

	err = m.Update(ctx, "things", "nope", map[string]any{"name": "x"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryQueryPredicates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "things", "a", testDoc{ID: "a", Name: "alpha", Tags: []string{"red", "blue"}}))
	require.NoError(t, m.Set(ctx, "things", "b", testDoc{ID: "b", Name: "beta", Tags: []string{"red"}}))
	require.NoError(t, m.Set(ctx, "things", "c", testDoc{ID: "c", Name: "alpha", Tags: nil}))

	docs, err := m.Query(ctx, "things", Eq("name", "alpha"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "c", docs[1].ID)

	docs, err = m.Query(ctx, "things", ArrayContains("tags", "blue"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID)

	docs, err = m.Query(ctx, "things", Eq("name", "alpha"), ArrayContains("tags", "red"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID)

	docs, err = m.Query(ctx, "things")
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestMemoryArrayUnion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// First caller creates the document.
	changed, err := m.ArrayUnion(ctx, "attendance", "CS1_2026-08-28", "present", "student01",
		map[string]any{"teacherId": "teacher01"})
	require.NoError(t, err)
	assert.True(t, changed)

	var got struct {
		Present   []string `json:"present"`
		TeacherID string   `json:"teacherId"`
	}
	doc, err := m.Get(ctx, "attendance", "CS1_2026-08-28")
	require.NoError(t, err)
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, []string{"student01"}, got.Present)
	assert.Equal(t, "teacher01", got.TeacherID)

	// Second caller appends and updates the merged fields.
	changed, err = m.ArrayUnion(ctx, "attendance", "CS1_2026-08-28", "present", "student02",
		map[string]any{"teacherId": "teacher02"})
	require.NoError(t, err)
	assert.True(t, changed)
	doc, err = m.Get(ctx, "attendance", "CS1_2026-08-28")
	require.NoError(t, err)
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, []string{"student01", "student02"}, got.Present)
	assert.Equal(t, "teacher02", got.TeacherID)

	// Repeat of an existing value is a strict no-op, merged fields included.
	changed, err = m.ArrayUnion(ctx, "attendance", "CS1_2026-08-28", "present", "student01",
		map[string]any{"teacherId": "teacher03"})
	require.NoError(t, err)
	assert.False(t, changed)
	doc, err = m.Get(ctx, "attendance", "CS1_2026-08-28")
	require.NoError(t, err)
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, []string{"student01", "student02"}, got.Present)
	assert.Equal(t, "teacher02", got.TeacherID)
}

func TestMemoryIncrement(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.Increment(ctx, "counters", "student", "count", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.Increment(ctx, "counters", "student", "count", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Counter survives independent of other collections.
	n, err = m.Increment(ctx, "counters", "teacher", "count", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryBatchAtomicity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "users", "u1", testDoc{ID: "u1"}))
	require.NoError(t, m.Set(ctx, "classes", "c1", testDoc{ID: "c1", Name: "before"}))

	// A batch touching a missing document applies nothing.
	b := m.Batch()
	b.Delete("users", "u1")
	b.Update("classes", "missing", map[string]any{"name": "x"})
	require.ErrorIs(t, b.Commit(ctx), ErrNotFound)

	_, err := m.Get(ctx, "users", "u1")
	require.NoError(t, err, "failed batch must not delete")

	// A valid batch applies everything.
	b = m.Batch()
	b.Delete("users", "u1")
	b.Update("classes", "c1", map[string]any{"name": "after"})
	require.NoError(t, b.Commit(ctx))

	_, err = m.Get(ctx, "users", "u1")
	require.ErrorIs(t, err, ErrNotFound)
	doc, err := m.Get(ctx, "classes", "c1")
	require.NoError(t, err)
	var got testDoc
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, "after", got.Name)
}

func TestMemoryDeleteAbsentIsNoop(t *testing.T) {
	require.NoError(t, NewMemory().Delete(context.Background(), "users", "ghost"))
}
