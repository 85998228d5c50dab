package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fenwick-dev/rendezvous-server/internal/auth"
	"github.com/fenwick-dev/rendezvous-server/internal/config"
	"github.com/fenwick-dev/rendezvous-server/internal/machine"
	"github.com/fenwick-dev/rendezvous-server/internal/presence"
	"github.com/fenwick-dev/rendezvous-server/internal/signaling"
	"github.com/fenwick-dev/rendezvous-server/internal/user"
	"github.com/fenwick-dev/rendezvous-server/internal/wire"
)

func wireFrame(msgType, id string, payload json.RawMessage) wire.Frame {
	return wire.Frame{Type: msgType, ID: id, Payload: payload}
}

// fakeUserRepo implements user.Repository for hub tests.
type fakeUserRepo struct {
	byEmail map[string]*user.Credentials
	byID    map[uuid.UUID]*user.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byEmail: make(map[string]*user.Credentials), byID: make(map[uuid.UUID]*user.User)}
}

func (r *fakeUserRepo) Create(_ context.Context, params user.CreateParams) (uuid.UUID, error) {
	if _, exists := r.byEmail[params.Email]; exists {
		return uuid.Nil, user.ErrAlreadyExists
	}
	id := uuid.New()
	u := user.User{ID: id, Email: params.Email, Username: params.Username}
	r.byID[id] = &u
	r.byEmail[params.Email] = &user.Credentials{User: u, PasswordHash: params.PasswordHash}
	return id, nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	u, ok := r.byID[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*user.Credentials, error) {
	c, ok := r.byEmail[email]
	if !ok {
		return nil, user.ErrNotFound
	}
	return c, nil
}

// fakeSessionRecorder implements auth.SessionRecorder, discarding every call.
type fakeSessionRecorder struct{}

func (f *fakeSessionRecorder) Record(context.Context, uuid.UUID, *uuid.UUID, string, time.Time) error {
	return nil
}

// fakeMachineRepo implements machine.Repository for hub tests.
type fakeMachineRepo struct {
	byID map[uuid.UUID]*machine.Machine
}

func newFakeMachineRepo() *fakeMachineRepo {
	return &fakeMachineRepo{byID: make(map[uuid.UUID]*machine.Machine)}
}

func (f *fakeMachineRepo) Register(_ context.Context, params machine.RegisterParams) (*machine.Machine, error) {
	for _, m := range f.byID {
		if m.UserID == params.UserID && m.Name == params.Name {
			m.Platform = params.Platform
			m.Capabilities = params.Capabilities
			m.IsOnline = true
			m.LastSeen = time.Now()
			return m, nil
		}
	}
	m := &machine.Machine{
		ID: uuid.New(), UserID: params.UserID, Name: params.Name, Platform: params.Platform,
		Capabilities: params.Capabilities, IsOnline: true, LastSeen: time.Now(), CreatedAt: time.Now(),
	}
	f.byID[m.ID] = m
	return m, nil
}

func (f *fakeMachineRepo) SetOnline(_ context.Context, id uuid.UUID, online bool) error {
	if m, ok := f.byID[id]; ok {
		m.IsOnline = online
	}
	return nil
}

func (f *fakeMachineRepo) Heartbeat(_ context.Context, id uuid.UUID) error {
	if m, ok := f.byID[id]; ok {
		m.LastSeen = time.Now()
	}
	return nil
}

func (f *fakeMachineRepo) ListOwned(_ context.Context, userID uuid.UUID) ([]*machine.Machine, error) {
	var out []*machine.Machine
	for _, m := range f.byID {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMachineRepo) Get(_ context.Context, id uuid.UUID) (*machine.Machine, error) {
	m, ok := f.byID[id]
	if !ok {
		return nil, machine.ErrNotFound
	}
	return m, nil
}

func (f *fakeMachineRepo) SweepStale(_ context.Context, timeout time.Duration) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, m := range f.byID {
		if m.IsOnline && time.Since(m.LastSeen) > timeout {
			m.IsOnline = false
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (f *fakeMachineRepo) Delete(_ context.Context, userID, id uuid.UUID) (bool, error) {
	m, ok := f.byID[id]
	if !ok || m.UserID != userID {
		return false, nil
	}
	delete(f.byID, id)
	return true, nil
}

func (f *fakeMachineRepo) Rename(_ context.Context, userID, id uuid.UUID, newName string) (*machine.Machine, bool, error) {
	m, ok := f.byID[id]
	if !ok || m.UserID != userID {
		return nil, false, nil
	}
	m.Name = newName
	return m, true, nil
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:                  "test-secret-key-that-is-32-chars!",
		JWTExpiresIn:               15 * time.Minute,
		Issuer:                     "test",
		BcryptCost:                 4,
		GatewayMaxConnections:      10,
		HeartbeatIntervalMS:        1000,
		HeartbeatTimeoutMS:         5000,
		RateLimitWSEventsPerSecond: 1000,
		RateLimitWSBurst:           1000,
	}
}

func newTestHub(t *testing.T) (*Hub, *fakeMachineRepo, *fakeUserRepo) {
	t.Helper()
	cfg := testConfig()
	userRepo := newFakeUserRepo()
	authSvc, err := auth.NewService(userRepo, &fakeSessionRecorder{}, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("auth.NewService() error = %v", err)
	}
	machineRepo := newFakeMachineRepo()
	machineSvc := machine.NewService(machineRepo, zerolog.Nop())
	broker := signaling.NewBroker(machineSvc, zerolog.Nop())
	presenceB := presence.NewBroadcaster(broker, machineSvc, zerolog.Nop())
	hub := NewHub(cfg, authSvc, userRepo, machineSvc, broker, presenceB, nil, zerolog.Nop())
	return hub, machineRepo, userRepo
}

func newTestClient(hub *Hub) *Client {
	return newClient(hub, nil, zerolog.Nop())
}

// drain reads the next frame off a client's send channel, decoded into a flat map with the frame's type and
// correlation id stashed under "_type"/"_id". Returns nil if nothing was sent.
func drain(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case msg := <-c.send:
		var decoded struct {
			Type    string          `json:"type"`
			ID      string          `json:"id"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		payload := map[string]any{}
		if len(decoded.Payload) > 0 {
			if err := json.Unmarshal(decoded.Payload, &payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
		}
		payload["_type"] = decoded.Type
		payload["_id"] = decoded.ID
		return payload
	default:
		return nil
	}
}

func registerAndAuth(t *testing.T, hub *Hub, userRepo *fakeUserRepo, email, username, password string) (*Client, uuid.UUID) {
	t.Helper()
	c := newTestClient(hub)
	payload, _ := json.Marshal(registerUserPayload{Email: email, Username: username, Password: password})
	hub.dispatch(c, wireFrame("register_user", "1", payload))
	resp := drain(t, c)
	if resp == nil || resp["_type"] != "register_user_response" || resp["success"] != true {
		t.Fatalf("register_user failed: %v", resp)
	}
	u, ok := resp["user"].(map[string]any)
	if !ok {
		t.Fatalf("register_user_response missing user: %v", resp)
	}
	id, err := uuid.Parse(u["id"].(string))
	if err != nil {
		t.Fatalf("parse user id: %v", err)
	}
	return c, id
}
