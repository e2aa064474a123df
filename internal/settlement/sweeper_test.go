package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/notify"
	"ticket-engine/models"
)

func setupTestSweeper(t *testing.T, env *testEnv) *Sweeper {
	t.Helper()
	return NewSweeper(env.machine, env.tickets, env.coordinator, env.notifier, nil,
		DefaultSweepInterval, DefaultReservationTimeout)
}

func TestSweeper_ExpiresStaleReservations(t *testing.T) {
	env := setupTestCoordinator(t, 10)
	sweeper := setupTestSweeper(t, env)
	ctx := context.Background()

	res, err := env.buy(ctx, "user-1", 3)
	require.NoError(t, err)

	// First pass: nothing is old enough.
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Jump past the reservation window.
	later := func() time.Time { return time.Now().Add(time.Hour) }
	sweeper.now = later
	env.machine.SetNow(later)

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tickets, err := env.tickets.ByOrder(ctx, res.OrderID)
	require.NoError(t, err)
	for _, tk := range tickets {
		assert.Equal(t, models.TicketExpired, tk.Status)
	}

	c, err := env.ledger.Counters(ctx, env.typeID)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Reserved)
	assert.Equal(t, 10, c.Available())

	// One expiry notification for the whole order.
	require.Len(t, env.notifier.events, 1)
	assert.Equal(t, notify.KindReservationExpired, env.notifier.events[0].Kind)
	assert.Equal(t, res.OrderID, env.notifier.events[0].OrderID)
	assert.Equal(t, "user-1", env.notifier.events[0].UserID)

	// A second pass finds nothing left.
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, env.notifier.events, 1)
}

func TestSweeper_LeavesPaidTicketsAlone(t *testing.T) {
	env := setupTestCoordinator(t, 10)
	sweeper := setupTestSweeper(t, env)
	ctx := context.Background()

	res, err := env.buy(ctx, "user-1", 2)
	require.NoError(t, err)
	params := env.successCallback(res.OrderID, res.Amount)
	require.NoError(t, env.coordinator.HandleCallback(ctx, gateway.ProviderVPay, params))

	later := func() time.Time { return time.Now().Add(time.Hour) }
	sweeper.now = later
	env.machine.SetNow(later)

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c, err := env.ledger.Counters(ctx, env.typeID)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Sold)
}

func TestSweeper_ExpiresOnlyStaleOrders(t *testing.T) {
	env := setupTestCoordinator(t, 10)
	sweeper := setupTestSweeper(t, env)
	ctx := context.Background()

	old, err := env.buy(ctx, "user-1", 1)
	require.NoError(t, err)

	// The second order is 10 minutes fresher than the sweep clock.
	later := func() time.Time { return time.Now().Add(20 * time.Minute) }
	env.machine.SetNow(later)
	fresh, err := env.buy(ctx, "user-2", 1)
	require.NoError(t, err)
	sweeper.now = later

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	oldTickets, err := env.tickets.ByOrder(ctx, old.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketExpired, oldTickets[0].Status)

	freshTickets, err := env.tickets.ByOrder(ctx, fresh.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketReserved, freshTickets[0].Status)
}

func TestSweeper_ReleaseFailureIsRetriedOnLaterSweeps(t *testing.T) {
	env, store := setupFlakyCoordinator(t, 10)
	sweeper := setupTestSweeper(t, env)
	ctx := context.Background()

	res, err := env.buy(ctx, "user-1", 2)
	require.NoError(t, err)

	later := func() time.Time { return time.Now().Add(time.Hour) }
	sweeper.now = later
	env.machine.SetNow(later)

	// The tickets expire but the counter release fails. A later sweep
	// will not see them again, so the seats would leak without a retry.
	store.releaseErr = errors.New("counter store offline")
	_, err = sweeper.Sweep(ctx)
	require.NoError(t, err)

	tickets, err := env.tickets.ByOrder(ctx, res.OrderID)
	require.NoError(t, err)
	for _, tk := range tickets {
		assert.Equal(t, models.TicketExpired, tk.Status)
	}
	c, err := env.ledger.Counters(ctx, env.typeID)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Reserved)

	store.releaseErr = nil
	_, err = sweeper.Sweep(ctx)
	require.NoError(t, err)

	c, err = env.ledger.Counters(ctx, env.typeID)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Reserved)
	assert.Equal(t, 10, c.Available())
}
