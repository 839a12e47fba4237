package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHandlerGrantsUpToBudget(t *testing.T) {
	h := New(time.Minute, 2)
	assert.True(t, h.UseLease())
	assert.True(t, h.UseLease())
	assert.False(t, h.UseLease())
}

func TestHandlerRefillsAfterTTL(t *testing.T) {
	h := New(20*time.Millisecond, 1)
	assert.True(t, h.UseLease())
	assert.False(t, h.UseLease())
	time.Sleep(40 * time.Millisecond)
	assert.True(t, h.UseLease())
}

func TestHandlerUnlimitedWhenBudgetNonPositive(t *testing.T) {
	h := New(time.Minute, 0)
	for i := 0; i < 1000; i++ {
		assert.True(t, h.UseLease())
	}
}

func TestLeaseErrorMessage(t *testing.T) {
	h := New(time.Minute, 1)
	err := h.LeaseError()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "lease")
}
