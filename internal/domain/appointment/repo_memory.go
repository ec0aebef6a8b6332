package appointment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps appointments in process memory. It is the default
// store for development and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []*Appointment
	byID    map[uuid.UUID]*Appointment

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:  make(map[uuid.UUID]*Appointment),
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Appointment, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Appointment
	for _, a := range r.records {
		if f.matches(a) {
			matched = append(matched, a)
		}
	}
	total := len(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*Appointment, len(matched))
	for i, a := range matched {
		out[i] = a.clone()
	}
	return out, total, nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

func (r *MemoryRepository) Append(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := r.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt

	stored := a.clone()
	r.records = append(r.records, stored)
	r.byID[stored.ID] = stored
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, id uuid.UUID, p Patch) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.From != "" && a.Status != p.From {
		return nil, &TransitionError{From: a.Status, To: p.Status}
	}
	if p.Status != "" {
		a.Status = p.Status
	}
	if p.CancelReason != nil {
		a.CancelReason = copyStr(p.CancelReason)
	}
	a.UpdatedAt = r.now().UTC()
	return a.clone(), nil
}

// WithSlotLock serializes callers per (date, time slot) with a keyed mutex.
// Lock entries are never evicted; the key space is bounded by the calendar.
func (r *MemoryRepository) WithSlotLock(ctx context.Context, date, timeSlot string, fn func(ctx context.Context) error) error {
	key := slotKey(date, timeSlot)

	r.locksMu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	r.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
