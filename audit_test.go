package gateauth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/gateauth/store/memstore"
)

type gateSink struct {
	gate chan struct{}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func newAuditedEngine(t *testing.T, sink AuditSink) *Engine {
	t.Helper()
	cfg := testConfig()
	cfg.Audit = AuditConfig{Enabled: true, BufferSize: 64}
	e, err := New().
		WithConfig(cfg).
		WithStore(memstore.New()).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func decodeEvents(t *testing.T, data []byte) []AuditEvent {
	t.Helper()
	var events []AuditEvent
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid audit line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestAuditTrailOmitsSecrets(t *testing.T) {
	var buf bytes.Buffer
	e := newAuditedEngine(t, NewJSONWriterSink(&buf))
	ctx := WithClientIP(context.Background(), "192.0.2.10")

	alice, err := e.Register(ctx, "alice@example.com", "Secret123", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	pair0, err := e.Login(ctx, "alice@example.com", "Secret123")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	pair1, err := e.Refresh(ctx, pair0.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	_, _ = e.Refresh(ctx, pair0.RefreshToken)
	e.Close()

	out := buf.String()
	for _, secret := range []string{"Secret123", pair0.AccessToken, pair0.RefreshToken, pair1.RefreshToken} {
		if strings.Contains(out, secret) {
			t.Fatal("audit output contains a secret")
		}
	}

	want := []string{
		auditEventRegisterSuccess,
		auditEventLoginSuccess,
		auditEventRefreshSuccess,
		auditEventRefreshReuseDetected,
	}
	events := decodeEvents(t, buf.Bytes())
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %s", len(want), len(events), out)
	}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], ev.EventType)
		}
		if ev.IP != "192.0.2.10" {
			t.Fatalf("event %d: expected client IP, got %q", i, ev.IP)
		}
	}
	if events[1].UserID != alice.ID || events[1].FamilyID == "" {
		t.Fatalf("login event must carry user and family: %+v", events[1])
	}
	if events[3].Success || events[3].Error != string(auditErrRefreshReuse) {
		t.Fatalf("unexpected reuse event: %+v", events[3])
	}
}

func TestAuditLoginFailuresShareErrorCode(t *testing.T) {
	var buf bytes.Buffer
	e := newAuditedEngine(t, NewJSONWriterSink(&buf))
	ctx := context.Background()

	if _, err := e.Register(ctx, "alice@example.com", "Secret123", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, _ = e.Login(ctx, "alice@example.com", "Wrong1234")
	_, _ = e.Login(ctx, "ghost@example.com", "Wrong1234")
	e.Close()

	var failures []AuditEvent
	for _, ev := range decodeEvents(t, buf.Bytes()) {
		if ev.EventType == auditEventLoginFailure {
			failures = append(failures, ev)
		}
	}
	if len(failures) != 2 {
		t.Fatalf("expected two login failures, got %d", len(failures))
	}
	for _, ev := range failures {
		if ev.Error != string(auditErrInvalidCredentials) {
			t.Fatalf("expected invalid_credentials, got %q", ev.Error)
		}
	}
}

func TestAuditAccessDeniedCarriesDecision(t *testing.T) {
	sink := NewChannelSink(16)
	e := newAuditedEngine(t, sink)
	ctx := context.Background()

	if _, err := e.Register(ctx, "alice@example.com", "Secret123", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	pair, err := e.Login(ctx, "alice@example.com", "Secret123")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := e.AuthorizeAccess(ctx, pair.AccessToken, "/api/projects/9", "DELETE"); err == nil {
		t.Fatal("expected denial")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType != auditEventAccessDenied {
				continue
			}
			if ev.Metadata["pattern"] != "/api/projects/:id" || ev.Metadata["reason"] != "role_not_permitted" {
				t.Fatalf("unexpected metadata: %v", ev.Metadata)
			}
			return
		case <-deadline:
			t.Fatal("access_denied event not emitted")
		}
	}
}

func TestAuditDispatcherDropsWhenFull(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "x"})
	}
	if got := d.Dropped(); got < 8 {
		t.Fatalf("expected at least 8 dropped events, got %d", got)
	}

	close(sink.gate)
	d.Close()
}

func TestAuditDisabledIsNil(t *testing.T) {
	if d := newAuditDispatcher(AuditConfig{Enabled: false}, NoOpSink{}); d != nil {
		t.Fatal("expected nil dispatcher when audit is disabled")
	}
	var d *auditDispatcher
	d.Emit(context.Background(), AuditEvent{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher must report zero drops")
	}
}

func TestSlogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Emit(context.Background(), AuditEvent{EventType: "login_success", Success: true, UserID: "u1"})
	sink.Emit(context.Background(), AuditEvent{EventType: "login_failure", Error: "invalid_credentials"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"level":"INFO"`) || !strings.Contains(lines[0], `"user_id":"u1"`) {
		t.Fatalf("unexpected success record: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"level":"WARN"`) || !strings.Contains(lines[1], `"error":"invalid_credentials"`) {
		t.Fatalf("unexpected failure record: %s", lines[1])
	}
}
