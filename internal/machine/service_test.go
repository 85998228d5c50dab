package machine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeRepository implements Repository for unit tests.
type fakeRepository struct {
	byID map[uuid.UUID]*Machine
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{byID: make(map[uuid.UUID]*Machine)}
}

func (f *fakeRepository) Register(_ context.Context, params RegisterParams) (*Machine, error) {
	for _, m := range f.byID {
		if m.UserID == params.UserID && m.Name == params.Name {
			m.Platform = params.Platform
			m.Capabilities = params.Capabilities
			m.LastSeen = time.Now()
			m.IsOnline = true
			return m, nil
		}
	}
	m := &Machine{
		ID:           uuid.New(),
		UserID:       params.UserID,
		Name:         params.Name,
		Platform:     params.Platform,
		Capabilities: params.Capabilities,
		LastSeen:     time.Now(),
		IsOnline:     true,
		CreatedAt:    time.Now(),
	}
	f.byID[m.ID] = m
	return m, nil
}

func (f *fakeRepository) SetOnline(_ context.Context, id uuid.UUID, online bool) error {
	if m, ok := f.byID[id]; ok {
		m.IsOnline = online
	}
	return nil
}

func (f *fakeRepository) Heartbeat(_ context.Context, id uuid.UUID) error {
	if m, ok := f.byID[id]; ok {
		m.LastSeen = time.Now()
	}
	return nil
}

func (f *fakeRepository) ListOwned(_ context.Context, userID uuid.UUID) ([]*Machine, error) {
	var out []*Machine
	for _, m := range f.byID {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRepository) Get(_ context.Context, id uuid.UUID) (*Machine, error) {
	m, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (f *fakeRepository) SweepStale(_ context.Context, timeout time.Duration) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, m := range f.byID {
		if m.IsOnline && time.Since(m.LastSeen) > timeout {
			m.IsOnline = false
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (f *fakeRepository) Delete(_ context.Context, userID, id uuid.UUID) (bool, error) {
	m, ok := f.byID[id]
	if !ok || m.UserID != userID {
		return false, nil
	}
	delete(f.byID, id)
	return true, nil
}

func (f *fakeRepository) Rename(_ context.Context, userID, id uuid.UUID, newName string) (*Machine, bool, error) {
	m, ok := f.byID[id]
	if !ok || m.UserID != userID {
		return nil, false, nil
	}
	m.Name = newName
	return m, true, nil
}

func TestServiceRegisterUpsert(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	svc := NewService(repo, zerolog.Nop())
	userID := uuid.New()

	m1, err := svc.Register(context.Background(), RegisterParams{UserID: userID, Name: "laptop", Platform: PlatformLinux})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m2, err := svc.Register(context.Background(), RegisterParams{UserID: userID, Name: "laptop", Platform: PlatformMacOS})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if m1.ID != m2.ID {
		t.Error("re-registering (userId, name) created a second row")
	}
	if m2.Platform != PlatformMacOS {
		t.Errorf("Platform = %q, want %q", m2.Platform, PlatformMacOS)
	}
	if !m2.IsOnline {
		t.Error("re-registered machine should be online")
	}
}

func TestServiceCanAccessOwnership(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	svc := NewService(repo, zerolog.Nop())
	owner := uuid.New()
	other := uuid.New()

	m, err := svc.Register(context.Background(), RegisterParams{UserID: owner, Name: "desktop", Platform: PlatformWindows})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ok, err := svc.CanAccess(context.Background(), owner, m.ID)
	if err != nil || !ok {
		t.Errorf("CanAccess(owner) = %v, %v, want true, nil", ok, err)
	}

	ok, err = svc.CanAccess(context.Background(), other, m.ID)
	if err != nil || ok {
		t.Errorf("CanAccess(other) = %v, %v, want false, nil", ok, err)
	}
}

func TestServiceCanAccessUnknownMachine(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	svc := NewService(repo, zerolog.Nop())

	ok, err := svc.CanAccess(context.Background(), uuid.New(), uuid.New())
	if err != nil || ok {
		t.Errorf("CanAccess(unknown) = %v, %v, want false, nil", ok, err)
	}
}

func TestServiceSweepStale(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	svc := NewService(repo, zerolog.Nop())
	userID := uuid.New()

	m, err := svc.Register(context.Background(), RegisterParams{UserID: userID, Name: "server", Platform: PlatformLinux})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	m.LastSeen = time.Now().Add(-2 * time.Hour)

	ids, err := svc.SweepStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("SweepStale() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != m.ID {
		t.Errorf("SweepStale() ids = %v, want [%v]", ids, m.ID)
	}

	got, err := svc.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.IsOnline {
		t.Error("swept machine should be offline")
	}
}

func TestServiceRenameIdempotent(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	svc := NewService(repo, zerolog.Nop())
	userID := uuid.New()

	m, err := svc.Register(context.Background(), RegisterParams{UserID: userID, Name: "old-name", Platform: PlatformLinux})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	renamed, ok, err := svc.Rename(context.Background(), userID, m.ID, "new-name")
	if err != nil || !ok {
		t.Fatalf("Rename() = %v, %v, %v", renamed, ok, err)
	}
	if renamed.Name != "new-name" {
		t.Errorf("Name = %q, want %q", renamed.Name, "new-name")
	}

	// Repeat rename to the same name is a no-op that still succeeds.
	again, ok, err := svc.Rename(context.Background(), userID, m.ID, "new-name")
	if err != nil || !ok || again.Name != "new-name" {
		t.Errorf("repeat Rename() = %v, %v, %v", again, ok, err)
	}
}

func TestServiceRenameWrongOwner(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	svc := NewService(repo, zerolog.Nop())
	owner := uuid.New()
	other := uuid.New()

	m, err := svc.Register(context.Background(), RegisterParams{UserID: owner, Name: "laptop", Platform: PlatformLinux})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, ok, err := svc.Rename(context.Background(), other, m.ID, "stolen")
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if ok {
		t.Error("Rename() by non-owner should not succeed")
	}
}
