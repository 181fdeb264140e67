package coordination

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// memKV is an in-memory KV for tests. TTLs are tracked but only enforced
// on read.
type memKV struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
}

func newMemKV() *memKV {
	return &memKV{values: map[string]string{}, expires: map[string]time.Time{}}
}

func (m *memKV) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, hasExp := m.expires[key]
	if hasExp && time.Now().After(exp) {
		delete(m.values, key)
		delete(m.expires, key)
		return "", false
	}
	v, ok := m.values[key]
	return v, ok
}

func (m *memKV) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := m.get(key)
	return ok, nil
}

func (m *memKV) Get(ctx context.Context, key string) (string, error) {
	v, _ := m.get(key)
	return v, nil
}

func (m *memKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	if ttl > 0 {
		m.expires[key] = time.Now().Add(ttl)
	}
	return nil
}

func (m *memKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.expires, key)
	return nil
}

func (m *memKV) Scan(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memKV) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return n, nil
}

func (m *memKV) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if _, ok := m.get(key); ok {
		return false, nil
	}
	return true, m.Set(ctx, key, owner, ttl)
}

func (m *memKV) ReacquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	v, ok := m.get(key)
	if !ok || v != owner {
		return false, nil
	}
	return true, m.Set(ctx, key, owner, ttl)
}

func (m *memKV) ReleaseLease(ctx context.Context, key, owner string) error {
	v, ok := m.get(key)
	if ok && v == owner {
		return m.Delete(ctx, key)
	}
	return nil
}

type fakeAttempts struct {
	attempts map[int64]*model.IndexAttempt
	failed   map[int64]string
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{attempts: map[int64]*model.IndexAttempt{}, failed: map[int64]string{}}
}

func (f *fakeAttempts) GetByID(ctx context.Context, id int64) (*model.IndexAttempt, error) {
	return f.attempts[id], nil
}

func (f *fakeAttempts) MarkFailed(ctx context.Context, id int64, reason string) error {
	f.failed[id] = reason
	f.attempts[id].Status = model.AttemptFailed
	return nil
}

type fakeProber struct{ present map[string]bool }

func (f *fakeProber) Exists(ctx context.Context, taskID string) (bool, error) {
	return f.present[taskID], nil
}

func TestFences_RaiseGetLower(t *testing.T) {
	ctx := context.Background()
	f := NewFences(newMemKV())

	fence := Fence{PairID: 1, SettingsID: 2, AttemptID: 10, TaskID: "t-1"}
	if err := f.Raise(ctx, fence); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	got, err := f.Get(ctx, 1, 2)
	if err != nil || got == nil {
		t.Fatalf("Get: %v, %v", got, err)
	}
	if got.TaskID != "t-1" || got.AttemptID != 10 {
		t.Errorf("fence = %+v", got)
	}

	last, err := f.LastActive(ctx, 1, 2)
	if err != nil || last.IsZero() {
		t.Errorf("Raise must stamp activity, got %v %v", last, err)
	}

	if err := f.Lower(ctx, 1, 2); err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if got, _ := f.Get(ctx, 1, 2); got != nil {
		t.Error("fence survived Lower")
	}
}

func TestValidator_ReclaimsStaleFence(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	fences := NewFences(kv)
	attempts := newFakeAttempts()
	attempts.attempts[10] = &model.IndexAttempt{ID: 10, Status: model.AttemptInProgress}

	fence := Fence{PairID: 1, SettingsID: 2, AttemptID: 10, TaskID: "gone"}
	if err := fences.Raise(ctx, fence); err != nil {
		t.Fatal(err)
	}
	// Age the heartbeat past the grace period.
	kv.Set(ctx, activityKey(1, 2), "100", time.Hour)

	v := NewValidator(fences, attempts, &fakeProber{present: map[string]bool{}}, time.Minute)
	reclaimed, err := v.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", reclaimed)
	}
	if attempts.attempts[10].Status != model.AttemptFailed {
		t.Error("attempt not marked failed")
	}
	if got, _ := fences.Get(ctx, 1, 2); got != nil {
		t.Error("fence not lowered")
	}
}

func TestValidator_KeepsFenceWhileTaskQueued(t *testing.T) {
	ctx := context.Background()
	fences := NewFences(newMemKV())
	attempts := newFakeAttempts()
	attempts.attempts[10] = &model.IndexAttempt{ID: 10, Status: model.AttemptInProgress}

	if err := fences.Raise(ctx, Fence{PairID: 1, SettingsID: 2, AttemptID: 10, TaskID: "t-live"}); err != nil {
		t.Fatal(err)
	}

	v := NewValidator(fences, attempts, &fakeProber{present: map[string]bool{"t-live": true}}, time.Minute)
	reclaimed, err := v.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("reclaimed = %d, want 0", reclaimed)
	}
	if attempts.attempts[10].Status != model.AttemptInProgress {
		t.Error("live attempt must not be failed")
	}
}

func TestValidator_KeepsFenceWithinGrace(t *testing.T) {
	ctx := context.Background()
	fences := NewFences(newMemKV())
	attempts := newFakeAttempts()
	attempts.attempts[10] = &model.IndexAttempt{ID: 10, Status: model.AttemptInProgress}

	// Task is gone but heartbeat is fresh (Raise stamps now).
	if err := fences.Raise(ctx, Fence{PairID: 1, SettingsID: 2, AttemptID: 10, TaskID: "gone"}); err != nil {
		t.Fatal(err)
	}

	v := NewValidator(fences, attempts, &fakeProber{present: map[string]bool{}}, time.Hour)
	reclaimed, _ := v.Run(ctx)
	if reclaimed != 0 {
		t.Errorf("reclaimed = %d, want 0 (within grace)", reclaimed)
	}
}

func TestValidator_ReclaimsFenceOverTerminalAttempt(t *testing.T) {
	ctx := context.Background()
	fences := NewFences(newMemKV())
	attempts := newFakeAttempts()
	attempts.attempts[10] = &model.IndexAttempt{ID: 10, Status: model.AttemptSuccess}

	if err := fences.Raise(ctx, Fence{PairID: 3, SettingsID: 4, AttemptID: 10, TaskID: "t"}); err != nil {
		t.Fatal(err)
	}

	v := NewValidator(fences, attempts, &fakeProber{present: map[string]bool{"t": true}}, time.Hour)
	reclaimed, _ := v.Run(ctx)
	if reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1 (fence over terminal attempt)", reclaimed)
	}
}

func TestParseFenceKey(t *testing.T) {
	p, s, ok := ParseFenceKey("fence:index:12:34")
	if !ok || p != 12 || s != 34 {
		t.Errorf("ParseFenceKey = %d, %d, %v", p, s, ok)
	}
	if _, _, ok := ParseFenceKey("other:key"); ok {
		t.Error("non-fence key must not parse")
	}
}

func TestLease_ReacquireRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()

	ok, err := kv.AcquireLease(ctx, LeaseKey(1), "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	if ok, _ := kv.AcquireLease(ctx, LeaseKey(1), "worker-b", time.Minute); ok {
		t.Error("second acquire must fail while held")
	}
	if ok, _ := kv.ReacquireLease(ctx, LeaseKey(1), "worker-b", time.Minute); ok {
		t.Error("reacquire by non-owner must fail")
	}
	if ok, _ := kv.ReacquireLease(ctx, LeaseKey(1), "worker-a", time.Minute); !ok {
		t.Error("owner reacquire must succeed")
	}
}
