package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanFetchRangeNoNewMail(t *testing.T) {
	start, skip := planFetchRange(100, 51, 100, 50)
	assert.True(t, skip)
	assert.Equal(t, uint32(0), start)
}

func TestPlanFetchRangeNewMail(t *testing.T) {
	start, skip := planFetchRange(100, 55, 100, 50)
	assert.False(t, skip)
	assert.Equal(t, uint32(51), start)
}

func TestPlanFetchRangeUIDValidityChanged(t *testing.T) {
	start, skip := planFetchRange(200, 10, 100, 50)
	assert.False(t, skip)
	assert.Equal(t, uint32(1), start)
}

func TestPlanFetchRangeFirstRun(t *testing.T) {
	start, skip := planFetchRange(100, 1, 0, 0)
	assert.False(t, skip)
	assert.Equal(t, uint32(1), start)
}
