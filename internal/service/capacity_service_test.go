package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/internal/gateway"
)

func TestCapacity_RequiresArea(t *testing.T) {
	f := newFixture(t)

	for _, area := range []string{"", "   "} {
		_, err := f.capacity.GetCapacity(context.Background(), area)
		assert.ErrorIs(t, err, domain.ErrInvalidArea)
	}
}

func TestCapacity_EmptyArea(t *testing.T) {
	f := newFixture(t)

	c, err := f.capacity.GetCapacity(context.Background(), "bondi")
	require.NoError(t, err)
	assert.Equal(t, "bondi", c.Area)
	assert.Zero(t, c.TotalCount)
	assert.Zero(t, c.PendingCount)
	assert.Equal(t, domain.MaxActivePerArea, c.MaxSlots)
	assert.Equal(t, f.clock.Now(), c.NextAvailableDate)
	assert.True(t, c.HasFreeSlot())
}

func TestCapacity_FullArea(t *testing.T) {
	f := newFixture(t)

	active := f.fillPrepaid(t, "bondi", 5)
	f.clock.Advance(time.Hour)
	f.join(t, "waiting-1", "bondi", gateway.MockPMSucceeds)
	f.join(t, "elsewhere", "manly", gateway.MockPMSucceeds)

	c, err := f.capacity.GetCapacity(context.Background(), " bondi ")
	require.NoError(t, err)
	assert.Equal(t, 5, c.TotalCount)
	assert.Equal(t, 1, c.PendingCount)
	assert.False(t, c.HasFreeSlot())
	assert.Equal(t, *f.entry(t, active[0]).EndsAt, c.NextAvailableDate)
}
