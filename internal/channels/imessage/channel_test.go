package imessage

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/dispatch"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChannelName(t *testing.T) {
	tests := map[string]string{
		"":        "imessage",
		"default": "imessage",
		"work":    "imessage:work",
	}
	for id, want := range tests {
		if got := ChannelName(id); got != want {
			t.Errorf("ChannelName(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestChannel_EchoRoundTrip(t *testing.T) {
	fx := newChatFixture(t)
	log := &scriptLog{}
	state := t.TempDir()

	ch := New(testAccount(fx.path, "+15551234567"), Options{
		StateDir: state,
		AgentID:  "default",
		Pipeline: dispatch.EchoPipeline{},
		Runner:   log.run,
	})
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(context.Background())
	if !ch.IsRunning() {
		t.Fatal("channel not running after Start")
	}

	fx.add(fixtureMsg{RowID: 1, Text: "ping", Sender: "+15551234567"})
	fx.add(fixtureMsg{RowID: 2, Text: "ignored", Sender: "+15559999999"})

	waitFor(t, "echo reply", func() bool { return len(log.all()) > 0 })
	script := log.all()[0]
	if !strings.Contains(script, `participant "+15551234567"`) || !strings.Contains(script, `send "ping"`) {
		t.Errorf("unexpected script:\n%s", script)
	}

	waitFor(t, "watermark", func() bool {
		wm, err := NewWatermarkStore(WatermarkPath(AccountStateDir(state, "default"))).Read()
		return err == nil && wm.LastRowID == 2
	})
	if n := len(log.all()); n != 1 {
		t.Errorf("sent %d scripts, want 1", n)
	}

	if err := ch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ch.IsRunning() {
		t.Error("channel still running after Stop")
	}
}

func TestChannel_CancelDuringSendFinishesCurrentRow(t *testing.T) {
	fx := newChatFixture(t)
	for i := int64(1); i <= 3; i++ {
		fx.add(fixtureMsg{RowID: i, Text: "msg", Sender: "+15551234567"})
	}
	state := t.TempDir()
	accDir := AccountStateDir(state, "default")
	seedWatermark(t, accDir, Watermark{LastRowID: 0})

	started := make(chan struct{}, 3)
	release := make(chan struct{})
	var calls, killed, finished atomic.Int32
	runner := func(ctx context.Context, _ string) error {
		calls.Add(1)
		started <- struct{}{}
		select {
		case <-release:
			finished.Add(1)
			return nil
		case <-ctx.Done():
			killed.Add(1)
			return ctx.Err()
		}
	}

	ch := New(testAccount(fx.path, "+15551234567"), Options{
		StateDir: state,
		AgentID:  "default",
		Pipeline: dispatch.EchoPipeline{},
		Runner:   runner,
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first send never started")
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := ch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if killed.Load() != 0 || finished.Load() != 1 || calls.Load() != 1 {
		t.Errorf("calls=%d finished=%d killed=%d, want 1/1/0", calls.Load(), finished.Load(), killed.Load())
	}
	wm, err := NewWatermarkStore(WatermarkPath(accDir)).Read()
	if err != nil {
		t.Fatalf("read watermark: %v", err)
	}
	if wm.LastRowID != 1 {
		t.Errorf("persisted watermark = %d, want 1", wm.LastRowID)
	}
}

func TestChannel_Send(t *testing.T) {
	log := &scriptLog{}
	ch := New(testAccount("unused"), Options{StateDir: t.TempDir(), Runner: log.run})

	file := filepath.Join(t.TempDir(), "a.png")
	writeFile(t, file, "png")

	err := ch.Send(context.Background(), bus.OutboundMessage{
		ChatID:  "iMessage;+;chat1",
		Content: "hello",
		Media:   []bus.MediaAttachment{{URL: file, Caption: "pic"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	scripts := log.all()
	if len(scripts) != 3 {
		t.Fatalf("ran %d scripts, want 3", len(scripts))
	}
	if !strings.Contains(scripts[0], `send "hello"`) || !strings.Contains(scripts[1], `send "pic"`) ||
		!strings.Contains(scripts[2], "POSIX file") {
		t.Errorf("unexpected order:\n%s", strings.Join(scripts, "\n---\n"))
	}

	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "x", Media: []bus.MediaAttachment{{URL: "/nope"}}}); err == nil {
		t.Error("missing attachment should fail")
	}
}

func TestChannel_Deliver(t *testing.T) {
	log := &scriptLog{}
	ch := New(testAccount("unused"), Options{StateDir: t.TempDir(), Runner: log.run})
	msg := bus.InboundMessage{ChatID: "+15551234567"}

	if err := ch.Deliver(context.Background(), msg, bus.ReplyPayload{Text: "ok"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	log.err = context.DeadlineExceeded
	if err := ch.Deliver(context.Background(), msg, bus.ReplyPayload{Text: "ok"}); err == nil {
		t.Error("failed send should surface as an error")
	}
}

func boolPtr(b bool) *bool { return &b }

func testConfig(dbPath string) *config.Config {
	cfg := &config.Config{}
	cfg.State.Dir = "" // overridden per test
	cfg.Dispatch.AgentID = "default"
	cfg.Channels.IMessage.IMessageAccountConfig = config.IMessageAccountConfig{
		Enabled:             boolPtr(true),
		DMPolicy:            "open",
		DBPath:              dbPath,
		ResolveContactNames: boolPtr(false),
	}
	cfg.Channels.IMessage.Accounts = map[string]config.IMessageAccountConfig{
		"work": {DBPath: dbPath},
		"off":  {Enabled: boolPtr(false)},
	}
	return cfg
}

func TestPlugin_Accounts(t *testing.T) {
	cfg := testConfig("/tmp/chat.db")
	p := NewPlugin(cfg, dispatch.EchoPipeline{}, PluginOptions{})

	if p.ID() != "imessage" {
		t.Errorf("ID = %q", p.ID())
	}
	caps := p.Capabilities()
	if !caps.Groups || !caps.Media || !caps.Replies || caps.Reactions {
		t.Errorf("capabilities = %+v", caps)
	}
	ids := p.ListAccounts()
	if strings.Join(ids, ",") != "default,off,work" {
		t.Errorf("accounts = %v", ids)
	}
	if acc := p.ResolveAccount("work"); !acc.Enabled || acc.DMPolicy != "open" {
		t.Errorf("work inherits channel settings: %+v", acc)
	}

	chs := p.Channels()
	if len(chs) != 2 || chs["imessage"] == nil || chs["imessage:work"] == nil {
		t.Errorf("channels = %v", chs)
	}
}

func TestPlugin_Problems(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(cfg *config.Config)
		wants []string
	}{
		{
			name:  "shared database",
			edit:  func(*config.Config) {},
			wants: []string{"accounts default and work both read /tmp/chat.db"},
		},
		{
			name: "separate databases",
			edit: func(cfg *config.Config) {
				cfg.Channels.IMessage.Accounts["work"] = config.IMessageAccountConfig{DBPath: "/tmp/work.db"}
			},
		},
		{
			name: "unknown policies",
			edit: func(cfg *config.Config) {
				cfg.Channels.IMessage.DMPolicy = "allowList"
				cfg.Channels.IMessage.Accounts["work"] = config.IMessageAccountConfig{
					DBPath:      "/tmp/work.db",
					DMPolicy:    "open",
					GroupPolicy: "Open",
				}
			},
			wants: []string{
				`account default: unknown dmPolicy "allowList"`,
				`account work: unknown groupPolicy "Open"`,
			},
		},
		{
			name: "disabled accounts are not checked",
			edit: func(cfg *config.Config) {
				cfg.Channels.IMessage.Accounts["work"] = config.IMessageAccountConfig{Enabled: boolPtr(false), DMPolicy: "bogus"}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("/tmp/chat.db")
			tt.edit(cfg)
			got := NewPlugin(cfg, nil, PluginOptions{}).Problems()
			if len(got) != len(tt.wants) {
				t.Fatalf("problems = %q, want %d", got, len(tt.wants))
			}
			for i, want := range tt.wants {
				if !strings.HasPrefix(got[i], want) {
					t.Errorf("problem[%d] = %q, want prefix %q", i, got[i], want)
				}
			}
		})
	}
}

func TestPlugin_StartAccountWithoutDatabaseIsNoop(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "missing.db"))
	cfg.State.Dir = t.TempDir()
	p := NewPlugin(cfg, dispatch.EchoPipeline{}, PluginOptions{})

	stop := p.StartAccount(context.Background(), "default")
	if stop == nil {
		t.Fatal("StartAccount returned nil")
	}
	if err := stop(context.Background()); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func TestPlugin_StartAccountPolls(t *testing.T) {
	fx := newChatFixture(t)
	cfg := testConfig(fx.path)
	cfg.State.Dir = t.TempDir()
	log := &scriptLog{}
	p := NewPlugin(cfg, dispatch.EchoPipeline{}, PluginOptions{Runner: log.run})

	stop := p.StartAccount(context.Background(), "default")
	defer stop(context.Background())

	fx.add(fixtureMsg{RowID: 1, Text: "anyone there", Sender: "stranger@example.com"})
	waitFor(t, "echo reply", func() bool { return len(log.all()) > 0 })
	if !strings.Contains(log.all()[0], `send "anyone there"`) {
		t.Errorf("unexpected script:\n%s", log.all()[0])
	}
}

func TestPlugin_SendMedia(t *testing.T) {
	cfg := testConfig("/tmp/chat.db")
	log := &scriptLog{}
	p := NewPlugin(cfg, nil, PluginOptions{Runner: log.run})

	file := filepath.Join(t.TempDir(), "doc.pdf")
	writeFile(t, file, "%PDF")

	if !p.SendMedia(context.Background(), "default", "+15551234567", file, "here") {
		t.Fatal("SendMedia returned false")
	}
	if n := len(log.all()); n != 2 {
		t.Errorf("ran %d scripts, want 2", n)
	}
	if !p.SendText(context.Background(), "work", "+15551234567", "x") {
		t.Error("SendText returned false")
	}
}
