package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePage(t *testing.T) {
	page, size, offset := NormalizePage(0, 0)
	assert.Equal(t, []int{1, DefaultPageSize, 0}, []int{page, size, offset})

	page, size, offset = NormalizePage(3, 15)
	assert.Equal(t, []int{3, 15, 30}, []int{page, size, offset})
}

func TestNewPage(t *testing.T) {
	p := NewPage([]string{"c", "d"}, 5, 2, 2)
	assert.Equal(t, 3, p.TotalPages)
	assert.True(t, p.HasNextPage)
	assert.True(t, p.HasPreviousPage)

	empty := NewPage[string](nil, 0, 1, 20)
	assert.NotNil(t, empty.Items)
	assert.Zero(t, empty.TotalPages)
	assert.False(t, empty.HasNextPage)
	assert.False(t, empty.HasPreviousPage)
}
