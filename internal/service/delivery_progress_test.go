package service

import (
	"context"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryProgressesToDelivered(t *testing.T) {
	store := newFakeStore()
	store.seedCourier(wh)
	a := newTestAssigner(t, store, nil, 3)
	ctx := context.Background()
	o := order(t, store, store.seedOrder(wh, models.OrderStatusPacked, nil))

	assigned, err := a.Assign(ctx, o)
	require.NoError(t, err)
	require.NotNil(t, assigned)

	job, err := a.MarkPickedUp(ctx, o.ID, "rider")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusPickedUp, job.Status)
	_, err = a.MarkPickedUp(ctx, o.ID, "rider")
	require.NoError(t, err)

	_, err = a.MarkDelivered(ctx, o.ID, "not-the-code", "rider")
	assert.ErrorIs(t, err, ErrInvalidOTP)

	job, err = a.MarkDelivered(ctx, o.ID, assigned.OTP, "rider")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, job.Status)

	_, err = a.MarkDelivered(ctx, o.ID, assigned.OTP, "rider")
	require.NoError(t, err)
	job, err = a.MarkFailed(ctx, o.ID, "customer unreachable", "ops")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, job.Status)

	n, err := store.CountActiveJobs(ctx, *job.CourierID)
	require.NoError(t, err)
	assert.Zero(t, n)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.audits, 3)
	assert.Equal(t, models.AuditActionPickedUp, store.audits[1].Action)
	assert.Equal(t, models.AuditActionDelivered, store.audits[2].Action)
	assert.Equal(t, models.DeliveryStatusPickedUp, store.audits[2].Payload["from"])
}

func TestDeliveryTransitionsNeedACourier(t *testing.T) {
	store := newFakeStore()
	a := newTestAssigner(t, store, nil, 3)
	ctx := context.Background()
	orderID := store.seedOrder(wh, models.OrderStatusPacked, nil)

	_, err := a.MarkPickedUp(ctx, orderID, "rider")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = a.EnsureJob(ctx, orderID)
	require.NoError(t, err)

	_, err = a.MarkPickedUp(ctx, orderID, "rider")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = a.RecordDelivery(ctx, orderID, "system")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	job, err := a.MarkFailed(ctx, orderID, "order cancelled", "system")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusFailed, job.Status)

	store.seedCourier(wh)
	_, err = a.Assign(ctx, order(t, store, orderID))
	assert.ErrorIs(t, err, ErrDeliveryClosed)
	_, err = a.MarkDelivered(ctx, orderID, job.OTP, "rider")
	assert.ErrorIs(t, err, ErrDeliveryClosed)
}
