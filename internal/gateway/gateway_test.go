package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stellarlinkco/levelbot/internal/bus"
	"github.com/stellarlinkco/levelbot/internal/channel"
	"github.com/stellarlinkco/levelbot/internal/config"
	"github.com/stellarlinkco/levelbot/internal/cron"
	"github.com/stellarlinkco/levelbot/internal/settings"
	"github.com/stellarlinkco/levelbot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := config.DefaultConfig()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Store.DBPath = filepath.Join(home, "levelbot.db")
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, opts Options) *Gateway {
	t.Helper()
	g, err := NewWithOptions(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown() })
	return g
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewWithOptions_RegistersWorkers(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})

	var names []string
	for _, j := range g.scheduler.ListJobs() {
		names = append(names, j.Name)
		assert.True(t, j.Enabled, j.Name)
	}
	assert.ElementsMatch(t, []string{JobMessages, JobActions, JobDecayProducer, JobDecayConsumer, JobSync}, names)
	assert.Empty(t, g.channels.EnabledChannels())
}

func TestNewWithOptions_InvalidWorkerSpec(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.Sync = "every now and then"

	_, err := NewWithOptions(cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobSync)
}

func TestNewWithOptions_LevelTable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Levels.Path = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := NewWithOptions(cfg, Options{})
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "levels.yaml")
	require.NoError(t, os.WriteFile(path, []byte("levels:\n  - level: 0\n    xp: 0\n  - level: 1\n    xp: 10\n"), 0o644))
	cfg.Levels.Path = path
	g := newTestGateway(t, cfg, Options{})

	g.service.EnqueueXPAction("g1", "u1", "alice", 12, false)
	g.service.ConsumeActions(context.Background())
	rec := do(t, g.Handler(), http.MethodGet, "/api/guilds/g1/members/u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[MemberResponse](t, rec).Level)
}

func TestMessageGain(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := messageGain(bus.InboundMessage{
		Channel:   channel.TelegramName,
		SenderID:  "42",
		ChatID:    "-1001",
		Content:   "hello",
		Timestamp: at,
		Metadata: map[string]any{
			channel.MetaUsername: "alice",
			channel.MetaRoles:    []string{"r1"},
			channel.MetaBooster:  true,
		},
	})

	assert.Equal(t, "-1001", ev.GuildID)
	assert.Equal(t, "-1001", ev.ChannelID)
	assert.Equal(t, "42", ev.UserID)
	assert.Equal(t, "alice", ev.Username)
	assert.Equal(t, []string{"r1"}, ev.RoleIDs)
	assert.True(t, ev.IsBooster)
	assert.Equal(t, at, ev.MessageTime)
}

func TestProcessLoop_QueuesInbound(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.processLoop(ctx)

	g.bus.Inbound <- bus.InboundMessage{Channel: channel.TelegramName, SenderID: "42", ChatID: "-1001", Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		return g.service.QueueDepths()["messages"] == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, g.service.ConsumeMessages(ctx))
	rec := do(t, g.Handler(), http.MethodGet, "/api/guilds/-1001/members/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[MemberResponse](t, rec)
	assert.Equal(t, 1, m.MessageCount)
	assert.GreaterOrEqual(t, m.XP, settings.DefaultGainMinimum)
}

func TestHealthAndQueues(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	g.service.EnqueueXPAction("g1", "u1", "", 5, false)

	rec := do(t, g.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	rec = do(t, g.Handler(), http.MethodGet, "/api/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"messages": 0, "actions": 1, "decay": 0}, decode[map[string]int](t, rec))
}

func TestXPActionAndMember(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	h := g.Handler()

	rec := do(t, h, http.MethodGet, "/api/guilds/g1/members/u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/guilds/g1/members/u1/xp", `{"amount":300,"username":"alice"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, g.service.ConsumeActions(context.Background()))

	rec = do(t, h, http.MethodGet, "/api/guilds/g1/members/u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[MemberResponse](t, rec)
	assert.Equal(t, 300, m.XP)
	assert.Equal(t, 2, m.Level)
	assert.Equal(t, 1, m.Rank)
	assert.Equal(t, "alice", m.Username)

	rec = do(t, h, http.MethodPost, "/api/guilds/g1/members/u1/xp", `{"reset":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	g.service.ConsumeActions(context.Background())
	m = decode[MemberResponse](t, do(t, h, http.MethodGet, "/api/guilds/g1/members/u1", ""))
	assert.Equal(t, 0, m.XP)
	assert.Equal(t, 0, m.Level)
}

func TestXPAction_BadRequests(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	h := g.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/guilds/g1/members/u1/xp", `{"amount":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/guilds/g1/members/u1/xp", `not json`).Code)
	assert.Equal(t, 0, g.service.QueueDepths()["actions"])
}

func TestLeaderboard(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	h := g.Handler()

	g.service.EnqueueXPAction("g1", "u1", "alice", 100, false)
	g.service.EnqueueXPAction("g1", "u2", "bob", 500, false)
	g.service.EnqueueXPAction("g1", "u3", "carol", 100, false)
	g.service.ConsumeActions(context.Background())

	rec := do(t, h, http.MethodGet, "/api/guilds/g1/leaderboard?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	board := decode[[]MemberResponse](t, rec)
	require.Len(t, board, 2)
	assert.Equal(t, "u2", board[0].UserID)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, "u1", board[1].UserID)
	assert.Equal(t, 2, board[1].Rank)

	rec = do(t, h, http.MethodGet, "/api/guilds/g1/leaderboard", "")
	assert.Len(t, decode[[]MemberResponse](t, rec), 3)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/guilds/g1/leaderboard?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/guilds/g1/leaderboard?limit=abc", "").Code)
}

func TestTransfer(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	h := g.Handler()

	g.service.EnqueueXPAction("g1", "u1", "alice", 200, false)
	g.service.ConsumeActions(context.Background())

	rec := do(t, h, http.MethodPost, "/api/guilds/g1/transfers", `{"from":"u1","to":"u1","amount":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "invalid transfer")

	rec = do(t, h, http.MethodPost, "/api/guilds/g1/transfers", `{"from":"u1","to":"u2","amount":50}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	g.service.ConsumeActions(context.Background())

	from := decode[MemberResponse](t, do(t, h, http.MethodGet, "/api/guilds/g1/members/u1", ""))
	to := decode[MemberResponse](t, do(t, h, http.MethodGet, "/api/guilds/g1/members/u2", ""))
	assert.Equal(t, 150, from.XP)
	assert.Equal(t, 50, to.XP)
}

func TestSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.XP.Defaults.XPGainMinimum = 5
	g := newTestGateway(t, cfg, Options{})
	h := g.Handler()

	rec := do(t, h, http.MethodGet, "/api/guilds/g1/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[settings.Guild](t, rec)
	assert.Equal(t, "g1", got.GuildID)
	assert.Equal(t, 5, got.XPGainMinimum)

	rec = do(t, h, http.MethodPut, "/api/guilds/g1/settings", `{"xpDecayEnabled":true,"xpDecayPerDayPercentage":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[settings.Guild](t, rec)
	assert.True(t, got.XPDecayEnabled)
	assert.Equal(t, 5, got.XPDecayPerDayPercentage)
	assert.Equal(t, 5, got.XPGainMinimum, "omitted fields keep their value")

	stored, err := g.store.Settings(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, stored.XPDecayEnabled)

	rec = do(t, h, http.MethodPut, "/api/guilds/g1/settings", `{"xpGainMinimum":50,"xpGainMaximum":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	stored, err = g.store.Settings(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 5, stored.XPGainMinimum)
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t, testConfig(t), Options{})
	g.service.EnqueueXPAction("g1", "u1", "", 10, false)
	g.service.ConsumeActions(context.Background())

	rec := do(t, g.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `levelbot_xp_items_processed_total{worker="actions"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestCORS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.AllowedOrigins = []string{"http://dashboard.local"}
	g := newTestGateway(t, cfg, Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://dashboard.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRun_ShutdownFlushesQueuedWork(t *testing.T) {
	cfg := testConfig(t)
	statePath := filepath.Join(t.TempDir(), "scheduler.json")
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{SignalChan: sigCh, StatePath: statePath})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	g.service.EnqueueXPAction("g1", "u1", "alice", 120, false)
	sigCh <- syscall.SIGTERM

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("gateway did not shut down")
	}
	assert.NoError(t, g.Shutdown(), "second shutdown is a no-op")

	st, err := store.Open(cfg.Store.DBPath, cfg.XP.Defaults)
	require.NoError(t, err)
	defer st.Close()
	row, err := st.Member(context.Background(), "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 120, row.XP)
	assert.Equal(t, 1, row.Level)

	jobs, err := cron.LoadState(statePath)
	require.NoError(t, err)
	assert.Len(t, jobs, 5)
}
