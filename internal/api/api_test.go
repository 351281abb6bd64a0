package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/annel0/kmp-host/internal/audit"
	"github.com/annel0/kmp-host/internal/auth"
	"github.com/annel0/kmp-host/internal/errs"
	"github.com/annel0/kmp-host/internal/eventbus"
	"github.com/annel0/kmp-host/internal/session"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/storage"
	"github.com/annel0/kmp-host/internal/tick"
	"github.com/annel0/kmp-host/internal/trade"
)

type fakeSessions struct {
	mu      sync.Mutex
	players []session.Info
	kicked  []state.ParticipantID
	banned  []string
	said    []string
	paused  bool
}

func (f *fakeSessions) List() []session.Info { return f.players }
func (f *fakeSessions) Snapshot() session.Session {
	return session.Session{SessionID: "s-1", State: session.Playing, HostParticipantID: "p-host"}
}
func (f *fakeSessions) Kick(pid state.ParticipantID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.players {
		if p.ID == pid {
			f.kicked = append(f.kicked, pid)
			return nil
		}
	}
	return session.ErrNotFound
}
func (f *fakeSessions) Ban(name string)       { f.banned = append(f.banned, name) }
func (f *fakeSessions) Unban(string)          {}
func (f *fakeSessions) Say(text string)       { f.said = append(f.said, text) }
func (f *fakeSessions) SetPaused(paused bool) { f.paused = paused }

type fakeEngine struct {
	state   tick.State
	history map[uint64]*tick.WorldTick
}

func (f *fakeEngine) State() tick.State { return f.state }
func (f *fakeEngine) TickID() uint64    { return 42 }
func (f *fakeEngine) QueueLen() int     { return 3 }
func (f *fakeEngine) Latest() *tick.WorldTick {
	return f.history[42]
}
func (f *fakeEngine) History(id uint64) *tick.WorldTick { return f.history[id] }
func (f *fakeEngine) Pause() error {
	if f.state != tick.Running {
		return tick.ErrInvalidTransition
	}
	f.state = tick.Paused
	return nil
}
func (f *fakeEngine) Resume() error {
	if f.state != tick.Paused {
		return tick.ErrInvalidTransition
	}
	f.state = tick.Running
	return nil
}

type fakePersistence struct {
	saves   int
	saveErr error
	healthy bool
}

func (f *fakePersistence) Save(context.Context) error {
	f.saves++
	return f.saveErr
}
func (f *fakePersistence) Backup(context.Context) (string, error) { return "backups/x", nil }
func (f *fakePersistence) Healthy() bool                          { return f.healthy }
func (f *fakePersistence) LastSave() time.Time                    { return time.Unix(100, 0) }
func (f *fakePersistence) Saves(kind storage.SaveKind) ([]storage.SaveRecord, error) {
	return []storage.SaveRecord{{Kind: kind, Path: "world.save"}}, nil
}
func (f *fakePersistence) Backups() []string { return []string{"b1"} }

type fakeTrades struct{}

func (fakeTrades) Active() []trade.Trade {
	return []trade.Trade{{ID: "t-1", State: trade.BothReady}}
}

type fakeAudit struct{}

func (fakeAudit) Trades(_ context.Context, pid state.ParticipantID, limit int) ([]audit.TradeEntry, error) {
	return []audit.TradeEntry{{TradeID: "t-0", State: "completed", Initiator: pid}}, nil
}
func (fakeAudit) SessionEvents(context.Context, int) ([]audit.SessionEntry, error) {
	return []audit.SessionEntry{{Kind: "joined", Name: "Alice"}}, nil
}

type harness struct {
	srv      *AdminServer
	sessions *fakeSessions
	engine   *fakeEngine
	persist  *fakePersistence
	stopped  chan string
	token    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tokens, err := auth.NewTokenIssuer("")
	require.NoError(t, err)
	authn, err := auth.NewAdminAuthenticator("hunter2", tokens)
	require.NoError(t, err)

	engine := &fakeEngine{state: tick.Running, history: map[uint64]*tick.WorldTick{
		42: {TickID: 42, Entities: []*state.EntityState{{ID: 1, Type: state.EntityPlayer}}},
	}}
	h := &harness{
		sessions: &fakeSessions{players: []session.Info{{ID: "p-alice", Name: "Alice", State: "InWorld"}}},
		engine:   engine,
		persist:  &fakePersistence{healthy: true},
		stopped:  make(chan string, 1),
	}
	reg := prometheus.NewRegistry()
	h.srv, err = NewAdminServer(Config{
		ServerName:  "test",
		Sessions:    h.sessions,
		Engine:      h.engine,
		Persistence: h.persist,
		Trades:      fakeTrades{},
		Audit:       fakeAudit{},
		Auth:        authn,
		Webhooks:    NewOutboundWebhookManager("test"),
		Stop:        func(reason string) { h.stopped <- reason },
		Registry:    reg,
		Gatherer:    reg,
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	h.token = login.Token
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp GenericResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data, _ := resp.Data.(map[string]interface{})
	return data
}

func TestLogin(t *testing.T) {
	h := newHarness(t)
	assert.NotEmpty(t, h.token)

	h.token = ""
	rec := h.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	for _, token := range []string{"", "garbage"} {
		h.token = token
		rec := h.do(t, http.MethodGet, "/api/status", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "token %q", token)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)

	sess := data["session"].(map[string]interface{})
	assert.Equal(t, "s-1", sess["id"])
	assert.Equal(t, "Playing", sess["state"])
	assert.Equal(t, 1.0, sess["players"])
	engine := data["engine"].(map[string]interface{})
	assert.Equal(t, "Running", engine["state"])
	assert.Equal(t, 42.0, engine["tick"])
	assert.Equal(t, 1.0, data["entities"])
	assert.Equal(t, 1.0, data["activeTrades"])
	assert.Contains(t, data, "process")
}

func TestPlayersAndKick(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/players", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode(t, rec)["total"])

	rec = h.do(t, http.MethodPost, "/api/players/p-alice/kick", map[string]string{"reason": "afk"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []state.ParticipantID{"p-alice"}, h.sessions.kicked)

	rec = h.do(t, http.MethodPost, "/api/players/p-nobody/kick", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBanAndSay(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/ban", map[string]string{"name": "Griefer"}).Code)
	assert.Equal(t, []string{"Griefer"}, h.sessions.banned)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/ban", map[string]string{"name": "  "}).Code)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/say", map[string]string{"text": "restart soon"}).Code)
	assert.Equal(t, []string{"restart soon"}, h.sessions.said)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/say", map[string]string{}).Code)
}

func TestSave(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/save", nil).Code)
	assert.Equal(t, 1, h.persist.saves)

	h.persist.saveErr = errs.Wrap(errs.Internal, errors.New("disk full"), "save failed")
	rec := h.do(t, http.MethodPost, "/api/save", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "save failed")
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/pause", nil).Code)
	assert.Equal(t, tick.Paused, h.engine.state)
	assert.True(t, h.sessions.paused)

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/pause", nil).Code)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/resume", nil).Code)
	assert.Equal(t, tick.Running, h.engine.state)
	assert.False(t, h.sessions.paused)
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/stop", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case reason := <-h.stopped:
		assert.Equal(t, "Server stopped by admin", reason)
	case <-time.After(time.Second):
		t.Fatal("stop was not requested")
	}
}

func TestSavesAndTicks(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/saves?kind=world", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/saves?kind=nope", nil).Code)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/ticks/latest", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/ticks/42", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/ticks/7", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/ticks/x", nil).Code)
}

func TestTradesAndAudit(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/trades?participant=p-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)
	active := data["active"].([]interface{})
	require.Len(t, active, 1)
	assert.Equal(t, "both_ready", active[0].(map[string]interface{})["state"])
	history := data["history"].([]interface{})
	assert.Equal(t, "p-alice", history[0].(map[string]interface{})["initiator"])

	rec = h.do(t, http.MethodGet, "/api/audit/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["events"], 1)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	h.token = ""
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", nil).Code)
	h.persist.healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/health", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/api/players", nil)
	h.token = ""
	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kmp_admin_http_request_duration_seconds")
	assert.Contains(t, rec.Body.String(), "kmp_process_uptime_seconds")
}

func TestWebhookCRUD(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{
		"name": "ops", "url": "https://example.org/hook", "events": []string{eventbus.TypePlayerJoined},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/webhooks/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/webhooks/events", nil).Code)

	rec = h.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{
		"name": "bad", "url": "ftp://example.org", "events": []string{"*"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/api/webhooks/1", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/webhooks/1", nil).Code)
}

func TestWebhookRelayDeliversSignedEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
		bodies   [][]byte
		sigs     []string
	)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		attempts++
		n := attempts
		bodies = append(bodies, body)
		sigs = append(sigs, r.Header.Get("X-Webhook-Signature"))
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	bus := eventbus.NewMemoryBus(8)
	defer bus.Close()
	relay := NewOutboundWebhookManager("host-1")
	relay.backoff = func(int) time.Duration { return time.Millisecond }
	relay.AddWebhook(OutboundWebhook{Name: "ops", URL: target.URL, Secret: "s3cret", Events: []string{eventbus.TypePlayerJoined}})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, relay.Start(ctx, bus))

	require.NoError(t, bus.Publish(ctx, &eventbus.Envelope{ID: "e-1", EventType: eventbus.TypeChat, Timestamp: time.Now()}))
	require.NoError(t, bus.Publish(ctx, &eventbus.Envelope{
		ID: "e-2", EventType: eventbus.TypePlayerJoined, Timestamp: time.Now(), Payload: json.RawMessage(`{"name":"Alice"}`),
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	relay.Wait()

	mu.Lock()
	defer mu.Unlock()
	// повтор отправляет то же тело целиком
	assert.Equal(t, bodies[0], bodies[1])
	var got OutboundWebhookEvent
	require.NoError(t, json.Unmarshal(bodies[1], &got))
	assert.Equal(t, "e-2", got.ID)
	assert.JSONEq(t, `{"name":"Alice"}`, string(got.Data))

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(bodies[1])
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), sigs[1])

	hook := relay.GetWebhook(1)
	require.NotNil(t, hook)
	assert.Equal(t, 0, hook.FailureCount)
	assert.NotNil(t, hook.LastUsed)
}

func TestHealthServerGoesNotServingOnFatal(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	hs := NewHealthServer()
	go hs.Serve(lis)
	defer hs.Stop()

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	hs.PersistenceFatal(errors.New("disk full"))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
