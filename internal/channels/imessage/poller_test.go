package imessage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
)

func newTestPoller(t *testing.T, acc config.IMessageAccount, stateDir string, rec *recorder) *Poller {
	t.Helper()
	p := NewPoller(PollerOptions{
		Account:  acc,
		StateDir: stateDir,
		Channel:  ChannelName(acc.ID),
		AgentID:  "default",
		Handler:  rec.handle,
	})
	if err := p.open(context.Background()); err != nil {
		t.Fatalf("open poller: %v", err)
	}
	t.Cleanup(p.teardown)
	return p
}

func seedWatermark(t *testing.T, stateDir string, wm Watermark) {
	t.Helper()
	if err := NewWatermarkStore(WatermarkPath(stateDir)).Persist(&wm); err != nil {
		t.Fatal(err)
	}
}

func TestPoller_AllowedSenderProducesEvent(t *testing.T) {
	fx := newChatFixture(t)
	fx.add(fixtureMsg{RowID: 4, Text: "old", Sender: "+15551234567"})
	fx.add(fixtureMsg{RowID: 5, Text: "hi", Sender: "+15551234567"})

	stateDir := t.TempDir()
	seedWatermark(t, stateDir, Watermark{LastRowID: 4})

	rec := &recorder{}
	p := newTestPoller(t, testAccount(fx.path, "+15551234567"), stateDir, rec)
	if !p.tick(context.Background()) {
		t.Fatal("tick reported lease loss")
	}

	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d events, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Content != "hi" {
		t.Errorf("content = %q, want %q", got.Content, "hi")
	}
	if got.SessionKey != "agent:default:main" {
		t.Errorf("session key = %q", got.SessionKey)
	}
	if got.PeerKind != "direct" || got.ChatID != "+15551234567" {
		t.Errorf("peer = %s/%s", got.PeerKind, got.ChatID)
	}
	if !strings.HasPrefix(got.DeliveryID, "imsg_") {
		t.Errorf("delivery id = %q", got.DeliveryID)
	}
	if p.wm.LastRowID != 5 {
		t.Errorf("watermark = %d, want 5", p.wm.LastRowID)
	}

	persisted, err := NewWatermarkStore(WatermarkPath(stateDir)).Read()
	if err != nil {
		t.Fatalf("read persisted watermark: %v", err)
	}
	if persisted.LastRowID != 5 {
		t.Errorf("persisted watermark = %d, want 5", persisted.LastRowID)
	}
}

func TestPoller_DisallowedSenderAdvancesWatermark(t *testing.T) {
	fx := newChatFixture(t)
	fx.add(fixtureMsg{RowID: 4, Text: "old", Sender: "+15550000000"})
	fx.add(fixtureMsg{RowID: 5, Text: "hi", Sender: "+15559999999"})

	stateDir := t.TempDir()
	seedWatermark(t, stateDir, Watermark{LastRowID: 4})

	rec := &recorder{}
	p := newTestPoller(t, testAccount(fx.path, "+15551234567"), stateDir, rec)
	p.tick(context.Background())

	if n := len(rec.messages()); n != 0 {
		t.Fatalf("got %d events, want 0", n)
	}
	if p.wm.LastRowID != 5 {
		t.Errorf("watermark = %d, want 5", p.wm.LastRowID)
	}
}

func TestPoller_ColdStartSkipsHistory(t *testing.T) {
	fx := newChatFixture(t)
	for i := int64(1); i <= 100; i++ {
		fx.add(fixtureMsg{RowID: i, Text: "backlog", Sender: "+15551234567"})
	}

	rec := &recorder{}
	p := newTestPoller(t, testAccount(fx.path, "*"), t.TempDir(), rec)
	if p.wm.LastRowID != 100 {
		t.Fatalf("initial watermark = %d, want 100", p.wm.LastRowID)
	}
	p.tick(context.Background())
	if n := len(rec.messages()); n != 0 {
		t.Fatalf("replayed %d historical rows", n)
	}
}

func TestPoller_WatermarkMonotonicAcrossFilteredBatches(t *testing.T) {
	fx := newChatFixture(t)
	fx.add(fixtureMsg{RowID: 1, Text: "seed", Sender: "+15550000000"})

	rec := &recorder{}
	acc := testAccount(fx.path, "+15551234567")
	p := newTestPoller(t, acc, t.TempDir(), rec)

	prev := p.wm.LastRowID
	rowID := int64(2)
	for cycle := 0; cycle < 5; cycle++ {
		// Every row in this cycle is filtered: wrong sender, empty, tapback removal.
		fx.add(fixtureMsg{RowID: rowID, Text: "nope", Sender: "+15559999999"})
		fx.add(fixtureMsg{RowID: rowID + 1, Sender: "+15551234567"})
		fx.add(fixtureMsg{RowID: rowID + 2, Sender: "+15551234567", Assoc: 3000, AssocGUID: "GUID-1"})
		rowID += 3

		p.tick(context.Background())
		if p.wm.LastRowID < prev {
			t.Fatalf("cycle %d: watermark went back from %d to %d", cycle, prev, p.wm.LastRowID)
		}
		if p.wm.LastRowID != rowID-1 {
			t.Fatalf("cycle %d: watermark = %d, want %d", cycle, p.wm.LastRowID, rowID-1)
		}
		prev = p.wm.LastRowID
	}
	if n := len(rec.messages()); n != 0 {
		t.Fatalf("got %d events, want 0", n)
	}
}

func TestPoller_BatchIsBounded(t *testing.T) {
	fx := newChatFixture(t)
	fx.add(fixtureMsg{RowID: 1, Text: "seed", Sender: "+15551234567"})

	rec := &recorder{}
	p := newTestPoller(t, testAccount(fx.path, "*"), t.TempDir(), rec)
	for i := int64(2); i <= 31; i++ {
		fx.add(fixtureMsg{RowID: i, Text: "msg", Sender: "+15551234567"})
	}

	p.tick(context.Background())
	if n := len(rec.messages()); n != pollBatchSize {
		t.Fatalf("first tick delivered %d, want %d", n, pollBatchSize)
	}
	p.tick(context.Background())
	if n := len(rec.messages()); n != 30 {
		t.Fatalf("after two ticks delivered %d, want 30", n)
	}
	if p.wm.LastRowID != 31 {
		t.Errorf("watermark = %d, want 31", p.wm.LastRowID)
	}
}

func TestPoller_SelectRowsSkipsProcessedIDs(t *testing.T) {
	fx := newChatFixture(t)
	fx.add(fixtureMsg{RowID: 1, Text: "seed", Sender: "+15551234567"})

	rec := &recorder{}
	p := newTestPoller(t, testAccount(fx.path, "*"), t.TempDir(), rec)

	row := RawRow{RowID: 10, Text: "again", Sender: "+15551234567"}
	p.wm.ProcessedIDs = append(p.wm.ProcessedIDs, 10)

	decisions := p.selectRows([]RawRow{row, {RowID: 11, Text: "new", Sender: "+15551234567"}, {RowID: 11, Text: "new", Sender: "+15551234567"}})
	want := []string{"duplicate", "", "duplicate"}
	for i, d := range decisions {
		if d.skip != want[i] {
			t.Errorf("row %d skip = %q, want %q", i, d.skip, want[i])
		}
	}
}

func TestPoller_TapbackAndRemoval(t *testing.T) {
	fx := newChatFixture(t)
	fx.add(fixtureMsg{RowID: 1, GUID: "ORIG", Text: "dinner at 8?", FromMe: true})

	rec := &recorder{}
	p := newTestPoller(t, testAccount(fx.path, "*"), t.TempDir(), rec)

	fx.add(fixtureMsg{RowID: 2, Sender: "+15551234567", Assoc: 2000, AssocGUID: "p:0/ORIG"})
	fx.add(fixtureMsg{RowID: 3, Sender: "+15551234567", Assoc: 3000, AssocGUID: "p:0/ORIG"})
	fx.add(fixtureMsg{RowID: 4, Sender: "+15551234567", Assoc: 2003, AssocGUID: "bp:MISSING"})
	p.tick(context.Background())

	msgs := rec.messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d events, want 2", len(msgs))
	}
	if want := `❤️ reacted to: "dinner at 8?"`; msgs[0].Content != want {
		t.Errorf("tapback content = %q, want %q", msgs[0].Content, want)
	}
	if want := `😂 reacted to: "message"`; msgs[1].Content != want {
		t.Errorf("tapback on missing message = %q, want %q", msgs[1].Content, want)
	}
	if p.wm.LastRowID != 4 {
		t.Errorf("watermark = %d, want 4", p.wm.LastRowID)
	}
}

func TestPoller_TapbacksDisabled(t *testing.T) {
	fx := newChatFixture(t)
	fx.add(fixtureMsg{RowID: 1, GUID: "ORIG", Text: "hello", FromMe: true})

	rec := &recorder{}
	acc := testAccount(fx.path, "*")
	acc.IncludeTapbacks = false
	p := newTestPoller(t, acc, t.TempDir(), rec)

	fx.add(fixtureMsg{RowID: 2, Sender: "+15551234567", Assoc: 2001, AssocGUID: "p:0/ORIG"})
	p.tick(context.Background())
	if n := len(rec.messages()); n != 0 {
		t.Fatalf("got %d events, want 0", n)
	}
}

func TestPoller_GroupReplyAndAttachment(t *testing.T) {
	fx := newChatFixture(t)
	group := fx.chat("iMessage;+;chat42", "Climbing", true)
	fx.add(fixtureMsg{RowID: 1, GUID: "Q", Text: "who's in?", Sender: "+15550001111", Chat: group})

	rec := &recorder{}
	p := newTestPoller(t, testAccount(fx.path, "*"), t.TempDir(), rec)

	fx.add(fixtureMsg{RowID: 2, Text: "me!", Sender: "+15551234567", Chat: group, ReplyTo: "Q"})
	fx.add(fixtureMsg{RowID: 3, Sender: "+15551234567", Chat: group, Attachments: true})
	fx.attach(3, "/tmp/photo.jpg", "image/jpeg")
	p.tick(context.Background())

	msgs := rec.messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d events, want 2", len(msgs))
	}

	reply := msgs[0]
	if reply.SessionKey != "agent:default:imessage:group:iMessage;+;chat42" {
		t.Errorf("group session key = %q", reply.SessionKey)
	}
	if reply.ChatID != "iMessage;+;chat42" || reply.PeerKind != "group" {
		t.Errorf("chat = %s/%s", reply.ChatID, reply.PeerKind)
	}
	if reply.Metadata["chat_name"] != "Climbing" {
		t.Errorf("chat_name = %q", reply.Metadata["chat_name"])
	}
	if reply.ReplyTo == nil || reply.ReplyTo.Text != "who's in?" || reply.ReplyTo.SenderName != "+15550001111" {
		t.Errorf("reply context = %+v", reply.ReplyTo)
	}

	media := msgs[1]
	if len(media.Media) != 1 || media.Media[0].Path != "/tmp/photo.jpg" || media.Media[0].ContentType != "image/jpeg" {
		t.Errorf("media = %+v", media.Media)
	}
	if media.Content != "<media:image>" {
		t.Errorf("media content = %q", media.Content)
	}
}

func TestPoller_LostLeaseStopsOldInstance(t *testing.T) {
	fx := newChatFixture(t)
	fx.add(fixtureMsg{RowID: 1, Text: "seed", Sender: "+15551234567"})
	stateDir := t.TempDir()
	acc := testAccount(fx.path, "*")

	recA, recB := &recorder{}, &recorder{}
	a := NewPoller(PollerOptions{Account: acc, StateDir: stateDir, Channel: "imessage", AgentID: "default", Handler: recA.handle})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start A: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	b := newTestPoller(t, acc, stateDir, recB)

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("instance A kept polling after B claimed the lease")
	}

	fx.add(fixtureMsg{RowID: 2, Text: "after handoff", Sender: "+15551234567"})
	if !b.tick(context.Background()) {
		t.Fatal("B lost a lease it holds")
	}
	if n := len(recA.messages()); n != 0 {
		t.Errorf("A delivered %d messages after losing the lease", n)
	}
	if n := len(recB.messages()); n != 1 {
		t.Errorf("B delivered %d messages, want 1", n)
	}
}

func TestPoller_StartFailsWithoutDatabase(t *testing.T) {
	acc := testAccount(filepath.Join(t.TempDir(), "missing", "chat.db"), "*")
	p := NewPoller(PollerOptions{Account: acc, StateDir: t.TempDir(), Handler: (&recorder{}).handle})
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing chat.db")
	}
}

func TestPoller_QueryErrorKeepsWatermark(t *testing.T) {
	fx := newChatFixture(t)
	fx.add(fixtureMsg{RowID: 7, Text: "seed", Sender: "+15551234567"})

	rec := &recorder{}
	p := newTestPoller(t, testAccount(fx.path, "*"), t.TempDir(), rec)
	_ = p.db.Close()

	if !p.tick(context.Background()) {
		t.Fatal("query failure should not stop the poller")
	}
	if p.wm.LastRowID != 7 {
		t.Errorf("watermark = %d, want 7", p.wm.LastRowID)
	}
}
