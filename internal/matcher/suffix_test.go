package matcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admitrievsky/freeroute/internal/matcher"
)

func TestSuffixMatcherMatch(t *testing.T) {
	t.Parallel()

	m := matcher.NewSuffixMatcher()
	m.Update([]string{"example.com", "foo.example.org"})

	ctx := context.Background()

	assert.True(t, m.Match(ctx, "a.example.com", nil))
	assert.True(t, m.Match(ctx, "example.com", nil))
	assert.False(t, m.Match(ctx, "notexample.com", nil))
	assert.False(t, m.Match(ctx, "example.org", nil))

	assert.True(t, m.Match(ctx, "foo.example.org", nil))
	assert.True(t, m.Match(ctx, "deep.foo.example.org", nil))
	assert.False(t, m.Match(ctx, "bar.example.org", nil))
}

func TestSuffixMatcherDotBoundary(t *testing.T) {
	t.Parallel()

	m := matcher.NewSuffixMatcher()
	m.Update([]string{"example.com", "x-example.com"})

	ctx := context.Background()

	// an entry sorting between the suffix and the query must not
	// shadow the real match
	assert.True(t, m.Match(ctx, "a.example.com", nil))
	assert.True(t, m.Match(ctx, "x-example.com", nil))
	assert.False(t, m.Match(ctx, "xexample.com", nil))
}

func TestSuffixMatcherUpdateReplaces(t *testing.T) {
	t.Parallel()

	m := matcher.NewSuffixMatcher()
	m.Update([]string{"one.test"})

	ctx := context.Background()
	require.True(t, m.Match(ctx, "one.test", nil))

	m.Update([]string{"two.test"})

	assert.False(t, m.Match(ctx, "one.test", nil))
	assert.True(t, m.Match(ctx, "two.test", nil))

	m.Update(nil)
	assert.False(t, m.Match(ctx, "two.test", nil))
	assert.Equal(t, 0, m.Len())
}

func TestSuffixMatcherUpdateDropsEmptyAndDuplicates(t *testing.T) {
	t.Parallel()

	m := matcher.NewSuffixMatcher()
	m.Update([]string{"b.test", "", "a.test", "  ", "a.test"})

	assert.Equal(t, []string{"a.test", "b.test"}, m.GetAll())
}

func TestSuffixMatcherAddIdempotent(t *testing.T) {
	t.Parallel()

	m := matcher.NewSuffixMatcher()
	m.Add("a.test")
	m.Add("a.test")

	assert.Equal(t, []string{"a.test"}, m.GetAll())
	assert.Equal(t, 1, m.Len())
}

func TestSuffixMatcherRemoveAbsentIsNoop(t *testing.T) {
	t.Parallel()

	m := matcher.NewSuffixMatcher()
	m.Update([]string{"a.test", "b.test"})

	m.Remove("c.test")
	assert.Equal(t, []string{"a.test", "b.test"}, m.GetAll())

	m.Remove("a.test")
	assert.Equal(t, []string{"b.test"}, m.GetAll())
}

func TestSuffixMatcherGetAllSorted(t *testing.T) {
	t.Parallel()

	m := matcher.NewSuffixMatcher()
	m.Update([]string{"zeta.test", "alpha.test", "mid.test"})
	m.Add("beta.test")

	assert.Equal(t, []string{"alpha.test", "beta.test", "mid.test", "zeta.test"}, m.GetAll())
}
