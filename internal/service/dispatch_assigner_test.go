package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestAssigner(t *testing.T, store *fakeStore, notifier NotificationSink, maxJobs int) *DispatchAssigner {
	t.Helper()
	a := NewDispatchAssigner(store, store, store, notifier, nil,
		DispatchConfig{MaxActiveJobsPerCourier: maxJobs, CandidateLimit: 5},
		zaptest.NewLogger(t))
	t.Cleanup(func() { _ = a.Drain(context.Background()) })
	return a
}

func order(t *testing.T, store *fakeStore, id int64) *models.Order {
	t.Helper()
	o, err := store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestAssignPicksLeastLoadedCourier(t *testing.T) {
	store := newFakeStore()
	busy := store.seedCourier(wh)
	store.seedActiveJob(busy)
	store.seedActiveJob(busy)
	idle := store.seedCourier(wh)
	notifier := &fakeNotifier{}
	a := newTestAssigner(t, store, notifier, 3)
	ctx := context.Background()

	o := order(t, store, store.seedOrder(wh, models.OrderStatusPacked, map[string]int{"milk": 1}))
	job, err := a.Assign(ctx, o)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, idle, *job.CourierID)
	assert.Equal(t, models.JobStatusAssigned, job.JobStatus)
	assert.Equal(t, models.DeliveryStatusAssigned, job.Status)
	assert.Regexp(t, regexp.MustCompile(`^[1-9][0-9]{5}$`), job.OTP)
	assert.Equal(t, 1, store.auditCount())

	require.NoError(t, a.Drain(ctx))
	assert.Equal(t, 1, notifier.count())
}

func TestAssignSkipsCouriersAtCeiling(t *testing.T) {
	store := newFakeStore()
	full := store.seedCourier(wh)
	for i := 0; i < 3; i++ {
		store.seedActiveJob(full)
	}
	a := newTestAssigner(t, store, nil, 3)

	job, err := a.Assign(context.Background(), order(t, store, store.seedOrder(wh, models.OrderStatusPacked, nil)))
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestAssignTwiceReportsAlreadyAssigned(t *testing.T) {
	store := newFakeStore()
	store.seedCourier(wh)
	store.seedCourier(wh)
	a := newTestAssigner(t, store, nil, 3)
	o := order(t, store, store.seedOrder(wh, models.OrderStatusPacked, nil))

	first, err := a.Assign(context.Background(), o)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = a.Assign(context.Background(), o)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	assert.Equal(t, 1, store.auditCount())
}

func TestConcurrentAssignOfSameOrderBindsOnce(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 5; i++ {
		store.seedCourier(wh)
	}
	a := newTestAssigner(t, store, nil, 3)
	o := order(t, store, store.seedOrder(wh, models.OrderStatusPacked, nil))

	var mu sync.Mutex
	var assigned, already int
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := a.Assign(context.Background(), o)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case job != nil:
				assigned++
			case errors.Is(err, ErrAlreadyAssigned):
				already++
			default:
				t.Errorf("unexpected result: job=%v err=%v", job, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, assigned)
	assert.Equal(t, 1, already)
	assert.Equal(t, 1, store.auditCount())
}

func TestConcurrentAssignNeverExceedsCeiling(t *testing.T) {
	store := newFakeStore()
	couriers := []int64{store.seedCourier(wh), store.seedCourier(wh)}
	a := newTestAssigner(t, store, nil, 3)

	var orders []*models.Order
	for i := 0; i < 12; i++ {
		orders = append(orders, order(t, store, store.seedOrder(wh, models.OrderStatusPacked, nil)))
	}

	var wg sync.WaitGroup
	for _, o := range orders {
		wg.Add(1)
		go func(o *models.Order) {
			defer wg.Done()
			_, err := a.Assign(context.Background(), o)
			assert.NoError(t, err)
		}(o)
	}
	wg.Wait()

	total := 0
	for _, id := range couriers {
		n, err := store.CountActiveJobs(context.Background(), id)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 3)
		total += n
	}
	assert.LessOrEqual(t, total, 6)
	assert.Equal(t, total, store.auditCount())
}

func TestAssignRollsBackWhenAuditFails(t *testing.T) {
	store := newFakeStore()
	store.seedCourier(wh)
	store.auditErr = errors.New("audit table unavailable")
	a := newTestAssigner(t, store, nil, 3)
	o := order(t, store, store.seedOrder(wh, models.OrderStatusPacked, nil))

	_, err := a.Assign(context.Background(), o)
	require.Error(t, err)

	_, exists := store.job(o.ID)
	assert.False(t, exists)
}

func TestAssignRefusesEscalatedJobButManualAssignWorks(t *testing.T) {
	store := newFakeStore()
	courier := store.seedCourier(wh)
	a := newTestAssigner(t, store, nil, 3)
	ctx := context.Background()
	o := order(t, store, store.seedOrder(wh, models.OrderStatusPacked, nil))

	job, err := a.EnsureJob(ctx, o.ID)
	require.NoError(t, err)
	job.JobStatus = models.JobStatusManualIntervention
	require.NoError(t, store.SaveDeliveryJob(ctx, job))

	_, err = a.Assign(ctx, o)
	assert.ErrorIs(t, err, ErrManualIntervention)

	assigned, err := a.AssignManually(ctx, o, courier, "ops@warehouse")
	require.NoError(t, err)
	assert.Equal(t, courier, *assigned.CourierID)
	assert.Equal(t, job.OTP, assigned.OTP)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.audits, 1)
	assert.Equal(t, models.AuditActionManualAssignment, store.audits[0].Action)
	assert.Equal(t, "ops@warehouse", store.audits[0].Actor)
}

func TestNotificationFailureDoesNotUndoAssignment(t *testing.T) {
	store := newFakeStore()
	store.seedCourier(wh)
	a := newTestAssigner(t, store, &fakeNotifier{err: errors.New("push gateway down")}, 3)
	o := order(t, store, store.seedOrder(wh, models.OrderStatusPacked, nil))

	job, err := a.Assign(context.Background(), o)
	require.NoError(t, err)
	require.NoError(t, a.Drain(context.Background()))

	stored, ok := store.job(o.ID)
	require.True(t, ok)
	assert.Equal(t, *job.CourierID, *stored.CourierID)
}

func TestRankOrdersByLoadAndLimits(t *testing.T) {
	a := newTestAssigner(t, newFakeStore(), nil, 3)

	var cands []models.CourierCandidate
	for i := int64(1); i <= 8; i++ {
		cands = append(cands, models.CourierCandidate{CourierID: i, ActiveJobs: int(i % 4)})
	}

	ranked := a.rank(cands)
	require.Len(t, ranked, 5)
	for i := 1; i < len(ranked); i++ {
		assert.LessOrEqual(t, ranked[i-1].ActiveJobs, ranked[i].ActiveJobs)
	}
	for _, c := range ranked {
		assert.Less(t, c.ActiveJobs, 3)
	}
}

func TestGenerateOTP(t *testing.T) {
	for i := 0; i < 200; i++ {
		otp, err := generateOTP()
		require.NoError(t, err)
		assert.Len(t, otp, 6)
		assert.GreaterOrEqual(t, otp, "100000")
		assert.LessOrEqual(t, otp, "999999")
	}
}
