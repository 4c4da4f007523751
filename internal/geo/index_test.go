package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndex_Within(t *testing.T) {
	ix := NewIndex()
	ix.Insert("here", pt(52.52, 13.405))
	ix.Insert("street", pt(52.5209, 13.405))
	ix.Insert("munich", pt(48.137, 11.575))

	assert.ElementsMatch(t, []string{"here", "street"}, ix.Within(pt(52.52, 13.405), 500))
	assert.ElementsMatch(t, []string{"here"}, ix.Within(pt(52.52, 13.405), 50))
	assert.Len(t, ix.Within(pt(50, 12.5), 600_000), 3)
	assert.Empty(t, ix.Within(pt(52.52, 13.405), 0))
}

func TestIndex_MoveAndRemove(t *testing.T) {
	ix := NewIndex()
	ix.Insert("a", pt(0, 0))
	ix.Insert("a", pt(10, 10))
	assert.Equal(t, 1, ix.Len())
	assert.Empty(t, ix.Within(pt(0, 0), 1000))
	assert.Equal(t, []string{"a"}, ix.Within(pt(10, 10), 1000))

	ix.Remove("a")
	ix.Remove("missing")
	assert.Equal(t, 0, ix.Len())
	assert.Empty(t, ix.Within(pt(10, 10), 1000))
}

func TestIndex_NearPole(t *testing.T) {
	ix := NewIndex()
	ix.Insert("pole", pt(89.99999, 0))
	assert.Equal(t, []string{"pole"}, ix.Within(pt(89.99999, 120), 100))
}
