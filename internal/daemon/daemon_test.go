package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/securechat/internal/api"
	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/config"
	"github.com/matheus3301/securechat/internal/lock"
	"github.com/matheus3301/securechat/internal/session"
	"github.com/matheus3301/securechat/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// shortTempDir keeps socket paths under the 104-char Unix socket limit.
func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testConfig(dir, identityID string) *config.Config {
	cfg := config.Default()
	cfg.Identity.ID = identityID
	cfg.Remote.DSN = filepath.Join(dir, "remote.db")
	return cfg
}

func startApp(t *testing.T, p Params) (*fx.App, *api.Client) {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})

	client, err := api.Dial(p.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return app, client
}

func stateOf(t *testing.T, client *api.Client) string {
	t.Helper()
	resp, err := client.Call(context.Background(), api.MethodStatus, nil)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	return resp.GetFields()["state"].GetStringValue()
}

func TestDaemonLifecycle(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := shortTempDir(t, "securechat-d-*")
	p := Params{
		SessionName: "test",
		SocketPath:  filepath.Join(dir, "d.sock"),
		Config:      testConfig(dir, "alice"),
	}
	app, client := startApp(t, p)

	if got := stateOf(t, client); got != string(status.Ready) {
		t.Errorf("state = %q, want READY", got)
	}

	ident, err := client.Call(context.Background(), api.MethodIdentity, nil)
	if err != nil {
		t.Fatalf("Identity error = %v", err)
	}
	if got := ident.GetFields()["id"].GetStringValue(); got != "alice" {
		t.Errorf("identity = %q, want alice", got)
	}

	h, err := lock.ReadHolder(session.LockPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	if h.PID != os.Getpid() || h.Identity != "alice" {
		t.Errorf("lock holder = %+v", h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("app.Stop: %v", err)
	}
	if _, err := os.Stat(p.SocketPath); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}

	// The lock must be free again once the daemon stopped.
	lk, err := lock.Acquire(session.LockPath("test"), "alice")
	if err != nil {
		t.Fatalf("re-acquire lock: %v", err)
	}
	_ = lk.Release()
}

// TestStatusTransitionsToAuthRequired verifies a daemon without an identity
// leaves BOOTING for AUTH_REQUIRED and becomes READY after login.
func TestStatusTransitionsToAuthRequired(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := shortTempDir(t, "securechat-auth-*")
	p := Params{
		SessionName: "test",
		SocketPath:  filepath.Join(dir, "d.sock"),
		Config:      testConfig(dir, ""),
	}
	_, client := startApp(t, p)

	if got := stateOf(t, client); got != string(status.AuthRequired) {
		t.Fatalf("state = %q, want AUTH_REQUIRED; daemon must not stay in BOOTING when unauthenticated", got)
	}

	if _, err := client.Call(context.Background(), api.MethodLogin, map[string]any{"identity_id": "carol"}); err != nil {
		t.Fatalf("Login error = %v", err)
	}
	if got := stateOf(t, client); got != string(status.Ready) {
		t.Errorf("post-login state = %q, want READY", got)
	}
}

func TestSecondDaemonIsRejected(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := shortTempDir(t, "securechat-lk-*")
	startApp(t, Params{
		SessionName: "test",
		SocketPath:  filepath.Join(dir, "a.sock"),
		Config:      testConfig(dir, "alice"),
	})

	second := fx.New(Module(Params{
		SessionName: "test",
		SocketPath:  filepath.Join(dir, "b.sock"),
		Config:      testConfig(dir, "alice"),
	}), fx.NopLogger)
	if second.Err() == nil {
		t.Fatal("second daemon on the same session started")
	}
}

func TestUnknownBackendFailsStartup(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := shortTempDir(t, "securechat-be-*")
	cfg := testConfig(dir, "alice")
	cfg.Realtime.Backend = "carrier-pigeon"

	app := fx.New(Module(Params{
		SessionName: "test",
		SocketPath:  filepath.Join(dir, "d.sock"),
		Config:      cfg,
	}), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("expected startup error for unknown realtime backend")
	}
}

// TestNewServerUsesSocketOverride verifies NewServer binds the socket given in
// Params instead of the session default under ~/.securechat.
func TestNewServerUsesSocketOverride(t *testing.T) {
	dir := shortTempDir(t, "securechat-srv-*")
	socketPath := filepath.Join(dir, "d.sock")

	b := bus.New()
	svc := api.NewService("fxtest", nil, nil, status.NewMachine(b), b, nil)
	srv, err := NewServer(Params{SessionName: "fxtest", SocketPath: socketPath}, zap.NewNop(), svc)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}
	srv.Stop(context.Background())
}

func TestNewServerRejectsLongSocketPath(t *testing.T) {
	dir := shortTempDir(t, "securechat-long-*")
	socketPath := filepath.Join(dir, strings.Repeat("s", 120)+".sock")

	b := bus.New()
	svc := api.NewService("fxtest", nil, nil, status.NewMachine(b), b, nil)
	if _, err := NewServer(Params{SessionName: "fxtest", SocketPath: socketPath}, zap.NewNop(), svc); err == nil {
		t.Fatal("NewServer() bound a socket path longer than the platform limit")
	}
}
