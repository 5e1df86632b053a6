package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory stand-in for the Postgres store. Row locks are
// real mutexes held until the surrounding WithTx returns, and a failed
// transaction replays its undo journal.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	epoch  time.Time

	batches    map[int64]models.InventoryBatch
	batchLocks map[int64]*sync.Mutex
	entries    []models.LedgerEntry

	orders      map[int64]*models.Order
	allocations []models.AllocationRecord

	couriers     map[int64]models.Courier
	courierLocks map[int64]*sync.Mutex
	jobs         map[int64]models.DeliveryJob
	jobLocks     map[int64]*sync.Mutex

	retries map[int64]models.AssignmentRetry
	audits  []models.AuditEntry

	auditErr error
	allocErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		epoch:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		batches:      map[int64]models.InventoryBatch{},
		batchLocks:   map[int64]*sync.Mutex{},
		orders:       map[int64]*models.Order{},
		couriers:     map[int64]models.Courier{},
		courierLocks: map[int64]*sync.Mutex{},
		jobs:         map[int64]models.DeliveryJob{},
		jobLocks:     map[int64]*sync.Mutex{},
		retries:      map[int64]models.AssignmentRetry{},
	}
}

type fakeTxKey struct{}

type fakeTx struct {
	held    map[string]bool
	unlocks []func()
	undo    []func()
}

func txOf(ctx context.Context) *fakeTx {
	tx, _ := ctx.Value(fakeTxKey{}).(*fakeTx)
	return tx
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txOf(ctx) != nil {
		return fn(ctx)
	}

	tx := &fakeTx{held: map[string]bool{}}
	err := fn(context.WithValue(ctx, fakeTxKey{}, tx))
	if err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
	}
	for _, unlock := range tx.unlocks {
		unlock()
	}
	return err
}

// journal must be called with s.mu held.
func (s *fakeStore) journal(ctx context.Context, undo func()) {
	if tx := txOf(ctx); tx != nil {
		tx.undo = append(tx.undo, undo)
	}
}

func (s *fakeStore) lockRow(ctx context.Context, key string, m *sync.Mutex, wait bool) error {
	tx := txOf(ctx)
	if tx == nil {
		return errors.New("row lock outside transaction")
	}
	if tx.held[key] {
		return nil
	}
	if wait {
		m.Lock()
	} else if !m.TryLock() {
		return models.ErrLockContention
	}
	tx.held[key] = true
	tx.unlocks = append(tx.unlocks, m.Unlock)
	return nil
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

// seeding

func (s *fakeStore) seedBatch(warehouseID int64, sku string, total int, age time.Duration, ownerID *int64, cost string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.id()
	s.batches[id] = models.InventoryBatch{
		ID:          id,
		WarehouseID: warehouseID,
		SKU:         sku,
		OwnerID:     ownerID,
		CostPrice:   decimal.RequireFromString(cost),
		TotalStock:  total,
		CreatedAt:   s.epoch.Add(-age),
	}
	s.batchLocks[id] = &sync.Mutex{}
	s.entries = append(s.entries, models.LedgerEntry{ID: s.id(), BatchID: id, Kind: models.EntryAdd, Quantity: total, Reference: "seed"})
	return id
}

func (s *fakeStore) seedCourier(warehouseID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.id()
	s.couriers[id] = models.Courier{ID: id, Name: fmt.Sprintf("rider-%d", id), WarehouseID: warehouseID, IsActive: true, IsAvailable: true}
	s.courierLocks[id] = &sync.Mutex{}
	return id
}

func (s *fakeStore) seedActiveJob(courierID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID := s.id()
	cid := courierID
	s.jobs[orderID] = models.DeliveryJob{ID: s.id(), OrderID: orderID, CourierID: &cid,
		Status: models.DeliveryStatusPickedUp, JobStatus: models.JobStatusAssigned, OTP: "111111"}
	s.jobLocks[orderID] = &sync.Mutex{}
}

func (s *fakeStore) seedOrder(warehouseID int64, status string, items map[string]int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.id()
	o := &models.Order{ID: id, WarehouseID: warehouseID, Status: status}
	skus := make([]string, 0, len(items))
	for sku := range items {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	for _, sku := range skus {
		o.Lines = append(o.Lines, models.OrderLine{ID: s.id(), OrderID: id, SKU: sku, Quantity: items[sku]})
	}
	s.orders[id] = o
	return id
}

func (s *fakeStore) batch(id int64) models.InventoryBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[id]
}

func (s *fakeStore) job(orderID int64) (models.DeliveryJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[orderID]
	return j, ok
}

func (s *fakeStore) retry(orderID int64) models.AssignmentRetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[orderID]
}

func (s *fakeStore) entriesFor(batchID int64) []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeStore) auditCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audits)
}

// Ledger

func (s *fakeStore) BatchIDsForSKUs(_ context.Context, warehouseID int64, skus []string) (map[string][]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := map[string]bool{}
	for _, sku := range skus {
		want[sku] = true
	}
	out := map[string][]int64{}
	for id, b := range s.batches {
		if b.WarehouseID == warehouseID && want[b.SKU] && b.TotalStock > 0 {
			out[b.SKU] = append(out[b.SKU], id)
		}
	}
	for sku := range out {
		sort.Slice(out[sku], func(i, j int) bool { return out[sku][i] < out[sku][j] })
	}
	return out, nil
}

func (s *fakeStore) LockBatches(ctx context.Context, ids []int64) ([]models.InventoryBatch, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]models.InventoryBatch, 0, len(sorted))
	for _, id := range sorted {
		b, err := s.LockBatch(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

func (s *fakeStore) LockBatch(ctx context.Context, id int64) (*models.InventoryBatch, error) {
	s.mu.Lock()
	m, ok := s.batchLocks[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("batch %d: %w", id, models.ErrNotFound)
	}

	if err := s.lockRow(ctx, fmt.Sprintf("batch:%d", id), m, true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batches[id]
	return &b, nil
}

func (s *fakeStore) SaveBatchCounters(ctx context.Context, b *models.InventoryBatch) error {
	if b.ReservedStock < 0 || b.ReservedStock > b.TotalStock {
		return errors.New("violates check constraint inventory_batches_reserved_check")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.batches[b.ID]
	s.journal(ctx, func() { s.batches[b.ID] = old })

	row := old
	row.TotalStock, row.ReservedStock = b.TotalStock, b.ReservedStock
	s.batches[b.ID] = row
	return nil
}

func (s *fakeStore) AppendEntry(ctx context.Context, e *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = s.id()
	e.CreatedAt = time.Now()
	s.entries = append(s.entries, *e)

	id := e.ID
	s.journal(ctx, func() {
		for i := range s.entries {
			if s.entries[i].ID == id {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (s *fakeStore) CreateBatch(ctx context.Context, b *models.InventoryBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.ID = s.id()
	b.TotalStock, b.ReservedStock = 0, 0
	b.CreatedAt = s.epoch.Add(time.Duration(b.ID) * time.Second)
	s.batches[b.ID] = *b
	s.batchLocks[b.ID] = &sync.Mutex{}

	id := b.ID
	s.journal(ctx, func() { delete(s.batches, id) })
	return nil
}

func (s *fakeStore) AvailableStock(_ context.Context, warehouseID int64, sku string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, b := range s.batches {
		if b.WarehouseID == warehouseID && b.SKU == sku {
			total += b.Available()
		}
	}
	return total, nil
}

func (s *fakeStore) BatchesForAllocation(_ context.Context, warehouseID int64, sku string) ([]models.InventoryBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.InventoryBatch
	for _, b := range s.batches {
		if b.WarehouseID == warehouseID && b.SKU == sku && b.TotalStock > 0 {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *fakeStore) ReservedByReference(_ context.Context, reference string) (map[int64]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[int64]int{}
	for _, e := range s.entries {
		if e.Reference != reference {
			continue
		}
		switch e.Kind {
		case models.EntryReserve, models.EntryCommit:
			out[e.BatchID] += e.Quantity
		case models.EntryRelease:
			out[e.BatchID] -= e.Quantity
		}
	}
	for id, q := range out {
		if q <= 0 {
			delete(out, id)
		}
	}
	return out, nil
}

// Allocations and orders

func (s *fakeStore) InsertAllocations(ctx context.Context, records []models.AllocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allocErr != nil {
		return s.allocErr
	}
	n := len(s.allocations)
	for i := range records {
		records[i].ID = s.id()
		s.allocations = append(s.allocations, records[i])
	}
	s.journal(ctx, func() { s.allocations = s.allocations[:n] })
	return nil
}

func (s *fakeStore) GetOrder(_ context.Context, orderID int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	cp := *o
	cp.Lines = append([]models.OrderLine(nil), o.Lines...)
	return &cp, nil
}

func (s *fakeStore) UpdateOrderStatus(_ context.Context, orderID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.orders[orderID]; ok {
		o.Status = status
	}
	return nil
}

// Couriers and jobs

func (s *fakeStore) EligibleCouriers(_ context.Context, warehouseID int64) ([]models.CourierCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CourierCandidate
	for id, c := range s.couriers {
		if c.WarehouseID == warehouseID && c.IsActive && c.IsAvailable {
			out = append(out, models.CourierCandidate{CourierID: id, ActiveJobs: s.activeJobsLocked(id)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourierID < out[j].CourierID })
	return out, nil
}

func (s *fakeStore) activeJobsLocked(courierID int64) int {
	n := 0
	for _, j := range s.jobs {
		if j.CourierID == nil || *j.CourierID != courierID {
			continue
		}
		for _, st := range models.ActiveDeliveryStatuses {
			if j.Status == st {
				n++
			}
		}
	}
	return n
}

func (s *fakeStore) TryLockCourier(ctx context.Context, courierID int64) error {
	s.mu.Lock()
	c, ok := s.couriers[courierID]
	m := s.courierLocks[courierID]
	s.mu.Unlock()
	if !ok || !c.IsActive || !c.IsAvailable {
		return fmt.Errorf("courier %d: %w", courierID, models.ErrNotFound)
	}
	return s.lockRow(ctx, fmt.Sprintf("courier:%d", courierID), m, false)
}

func (s *fakeStore) CountActiveJobs(_ context.Context, courierID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeJobsLocked(courierID), nil
}

func (s *fakeStore) LockOrCreateDeliveryJob(ctx context.Context, orderID int64, otp string) (*models.DeliveryJob, error) {
	s.mu.Lock()
	m, ok := s.jobLocks[orderID]
	if !ok {
		m = &sync.Mutex{}
		s.jobLocks[orderID] = m
	}
	s.mu.Unlock()

	if err := s.lockRow(ctx, fmt.Sprintf("job:%d", orderID), m, true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[orderID]
	if !ok {
		job = models.DeliveryJob{ID: s.id(), OrderID: orderID, JobStatus: models.JobStatusSearching, OTP: otp, CreatedAt: time.Now()}
		s.jobs[orderID] = job
		s.journal(ctx, func() { delete(s.jobs, orderID) })
	}
	return &job, nil
}

func (s *fakeStore) LockDeliveryJob(ctx context.Context, orderID int64) (*models.DeliveryJob, error) {
	s.mu.Lock()
	m, ok := s.jobLocks[orderID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("delivery job for order %d: %w", orderID, models.ErrNotFound)
	}

	if err := s.lockRow(ctx, fmt.Sprintf("job:%d", orderID), m, true); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[orderID]
	if !ok {
		return nil, fmt.Errorf("delivery job for order %d: %w", orderID, models.ErrNotFound)
	}
	return &job, nil
}

func (s *fakeStore) GetDeliveryJob(_ context.Context, orderID int64) (*models.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[orderID]
	if !ok {
		return nil, fmt.Errorf("delivery job for order %d: %w", orderID, models.ErrNotFound)
	}
	return &job, nil
}

func (s *fakeStore) SaveDeliveryJob(ctx context.Context, job *models.DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, existed := s.jobs[job.OrderID]
	s.journal(ctx, func() {
		if existed {
			s.jobs[job.OrderID] = old
		} else {
			delete(s.jobs, job.OrderID)
		}
	})
	job.UpdatedAt = time.Now()
	s.jobs[job.OrderID] = *job
	return nil
}

func (s *fakeStore) Record(ctx context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.auditErr != nil {
		return s.auditErr
	}
	n := len(s.audits)
	s.audits = append(s.audits, entry)
	s.journal(ctx, func() { s.audits = s.audits[:n] })
	return nil
}

// Retries

func (s *fakeStore) EnqueueRetry(_ context.Context, orderID int64, dueAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.retries[orderID]; ok {
		return false, nil
	}
	s.retries[orderID] = models.AssignmentRetry{OrderID: orderID, Status: models.RetryStatusPending, NextAttemptAt: dueAt}
	return true, nil
}

func (s *fakeStore) ClaimDueRetries(_ context.Context, now time.Time, limit int, lease time.Duration) ([]models.AssignmentRetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.AssignmentRetry
	for _, r := range s.retries {
		if r.Status == models.RetryStatusPending && !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].NextAttemptAt = now.Add(lease)
		s.retries[due[i].OrderID] = due[i]
	}
	return due, nil
}

func (s *fakeStore) GetRetry(_ context.Context, orderID int64) (*models.AssignmentRetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.retries[orderID]
	if !ok {
		return nil, fmt.Errorf("retry for order %d: %w", orderID, models.ErrNotFound)
	}
	return &r, nil
}

func (s *fakeStore) RecordAttempt(ctx context.Context, orderID int64, attempts int, nextAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.retries[orderID]
	if !ok || r.Status != models.RetryStatusPending {
		return nil
	}
	old := r
	s.journal(ctx, func() { s.retries[orderID] = old })
	r.Attempts, r.NextAttemptAt, r.LastError = attempts, nextAt, lastErr
	s.retries[orderID] = r
	return nil
}

func (s *fakeStore) FinishRetry(ctx context.Context, orderID int64, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.retries[orderID]
	if !ok || r.Status != models.RetryStatusPending {
		return false, nil
	}
	old := r
	s.journal(ctx, func() { s.retries[orderID] = old })
	r.Status = status
	s.retries[orderID] = r
	return true, nil
}

// Sinks

type fakeAlerts struct {
	mu     sync.Mutex
	raised []map[string]any
}

func (a *fakeAlerts) Raise(_ context.Context, _ string, metadata map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raised = append(a.raised, metadata)
	return nil
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.raised)
}

type fakeNotifier struct {
	mu     sync.Mutex
	pushed []int64
	err    error
}

func (n *fakeNotifier) Push(_ context.Context, courierID int64, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.pushed = append(n.pushed, courierID)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pushed)
}

type fakeResolver struct {
	warehouseID int64
	ok          bool
}

func (r fakeResolver) Resolve(context.Context, float64, float64) (int64, bool, error) {
	return r.warehouseID, r.ok, nil
}
