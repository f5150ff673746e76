package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoped_Isolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewScoped(store, "calcrt", "cardiology.a", nil)
	b := NewScoped(store, "calcrt", "cardiology.b", nil)

	require.NoError(t, a.Set(ctx, "last", []byte("1")))
	require.NoError(t, b.Set(ctx, "last", []byte("2")))

	v, ok, err := a.Get(ctx, "last")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))

	require.NoError(t, a.Clear(ctx))
	_, ok, err = a.Get(ctx, "last")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = b.Get(ctx, "last")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"calcrt:cardiology.b:last"}, store.Keys())
}

func TestScoped_Guard(t *testing.T) {
	ctx := context.Background()
	var seen []Op
	s := NewScoped(NewMemoryStore(), "", "p", func(op Op, _ string) bool {
		seen = append(seen, op)
		return op == OpGet
	})

	_, _, err := s.Get(ctx, "k")
	assert.NoError(t, err)
	assert.ErrorIs(t, s.Set(ctx, "k", nil), ErrAccessDenied)
	assert.ErrorIs(t, s.Delete(ctx, "k"), ErrAccessDenied)
	assert.ErrorIs(t, s.Clear(ctx), ErrAccessDenied)
	assert.Equal(t, []Op{OpGet, OpSet, OpDelete, OpClear}, seen)
}

func TestScoped_EmptyKey(t *testing.T) {
	s := NewScoped(NewMemoryStore(), "", "p", nil)
	assert.ErrorIs(t, s.Set(context.Background(), "", []byte("x")), ErrEmptyKey)
}

func TestScoped_JSON(t *testing.T) {
	ctx := context.Background()
	s := NewScoped(NewMemoryStore(), "calcrt", "p", nil)

	type score struct {
		Value int `json:"value"`
	}
	require.NoError(t, s.SetJSON(ctx, "score", score{Value: 4}))

	var got score
	ok, err := s.GetJSON(ctx, "score", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, got.Value)

	ok, err = s.GetJSON(ctx, "absent", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScoped_Throttle(t *testing.T) {
	ctx := context.Background()
	budget := 2
	s := NewScoped(NewMemoryStore(), "", "p", func(Op, string) bool { return true }).
		WithThrottle(func(Op, string) bool {
			budget--
			return budget >= 0
		})

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	_, _, err := s.Get(ctx, "a")
	require.NoError(t, err)

	err = s.Delete(ctx, "a")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrAccessDenied)
}

func TestScoped_GuardRunsBeforeThrottle(t *testing.T) {
	throttled := 0
	s := NewScoped(NewMemoryStore(), "", "p", func(Op, string) bool { return false }).
		WithThrottle(func(Op, string) bool {
			throttled++
			return true
		})

	assert.ErrorIs(t, s.Set(context.Background(), "k", nil), ErrAccessDenied)
	assert.Zero(t, throttled, "denied operations do not spend the budget")
}
