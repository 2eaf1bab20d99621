package imessage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/metrics"
)

// maxTextLength is the longest text sent in one osascript call.
const maxTextLength = 4000

// ScriptRunner executes one AppleScript program.
type ScriptRunner func(ctx context.Context, script string) error

// RunOsascript runs script with /usr/bin/osascript.
func RunOsascript(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("osascript: %w", ctx.Err())
		}
		return fmt.Errorf("osascript: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Target is a resolved outbound destination.
type Target struct {
	Handle   string // direct: phone number or email
	ChatGUID string // group: chat guid
}

// IsGroup reports whether the target is a group chat.
func (t Target) IsGroup() bool { return t.ChatGUID != "" }

// ParseTarget interprets a chat id as produced for inbound messages: chat
// guids with ";+;" address groups, ";-;" guids and bare handles address a
// single participant.
func ParseTarget(chatID string) (Target, error) {
	chatID = strings.TrimSpace(chatID)
	switch {
	case chatID == "":
		return Target{}, fmt.Errorf("empty target")
	case strings.Contains(chatID, ";+;"):
		return Target{ChatGUID: chatID}, nil
	case strings.Contains(chatID, ";-;"):
		return Target{Handle: chatID[strings.Index(chatID, ";-;")+3:]}, nil
	default:
		return Target{Handle: chatID}, nil
	}
}

// AppleScriptSender sends through Messages.app. Each call is a single
// attempt: failures are logged and reported as false.
type AppleScriptSender struct {
	service string
	timeout time.Duration
	limiter *rate.Limiter
	run     ScriptRunner
	account string
}

// NewAppleScriptSender creates a sender. run nil means RunOsascript.
func NewAppleScriptSender(account, service string, timeout time.Duration, perSec float64, run ScriptRunner) *AppleScriptSender {
	if run == nil {
		run = RunOsascript
	}
	if perSec <= 0 {
		perSec = 2
	}
	return &AppleScriptSender{
		service: appleScriptService(service),
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		run:     run,
		account: account,
	}
}

// SendText sends text to target, split into chunks when long.
func (s *AppleScriptSender) SendText(ctx context.Context, target, text string) bool {
	t, err := ParseTarget(target)
	if err != nil {
		slog.Warn("imessage: invalid send target", "account", s.account, "target", target, "error", err)
		metrics.SendResult("text", false)
		return false
	}
	for _, chunk := range chunkText(text, maxTextLength) {
		if !s.send(ctx, "text", buildSendScript(s.service, t, chunk, false)) {
			return false
		}
	}
	return true
}

// SendFile sends the file at path to target.
func (s *AppleScriptSender) SendFile(ctx context.Context, target, path string) bool {
	t, err := ParseTarget(target)
	if err != nil {
		slog.Warn("imessage: invalid send target", "account", s.account, "target", target, "error", err)
		metrics.SendResult("file", false)
		return false
	}
	if _, err := os.Stat(path); err != nil {
		slog.Warn("imessage: attachment not readable", "account", s.account, "path", path, "error", err)
		metrics.SendResult("file", false)
		return false
	}
	return s.send(ctx, "file", buildSendScript(s.service, t, path, true))
}

func (s *AppleScriptSender) send(ctx context.Context, kind, script string) bool {
	if err := s.limiter.Wait(ctx); err != nil {
		slog.Warn("imessage: send cancelled", "account", s.account, "kind", kind, "error", err)
		metrics.SendResult(kind, false)
		return false
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.run(runCtx, script); err != nil {
		slog.Error("imessage: send failed", "account", s.account, "kind", kind, "error", err)
		metrics.SendResult(kind, false)
		return false
	}
	metrics.SendResult(kind, true)
	return true
}

// EscapeAppleScript escapes s for use inside an AppleScript string literal.
// Carriage returns are dropped; newlines are kept.
func EscapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}

func buildSendScript(service string, t Target, payload string, isFile bool) string {
	what := `"` + EscapeAppleScript(payload) + `"`
	if isFile {
		what = `POSIX file "` + EscapeAppleScript(payload) + `"`
	}
	if t.IsGroup() {
		return fmt.Sprintf(`tell application "Messages"
	set targetChat to chat id "%s"
	send %s to targetChat
end tell`, EscapeAppleScript(t.ChatGUID), what)
	}
	return fmt.Sprintf(`tell application "Messages"
	set targetService to 1st account whose service type = %s
	set targetBuddy to participant "%s" of targetService
	send %s to targetBuddy
end tell`, service, EscapeAppleScript(t.Handle), what)
}

// appleScriptService maps the configured service name to the Messages
// service type constant.
func appleScriptService(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sms":
		return "SMS"
	case "rcs":
		return "RCS"
	default:
		return "iMessage"
	}
}

// chunkText splits text into pieces of at most max bytes, preferring to
// break after a newline in the second half of a chunk. Splits never land
// inside a UTF-8 sequence.
func chunkText(text string, max int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= max {
			chunks = append(chunks, text)
			break
		}
		cutAt := max
		for cutAt > 0 && !isRuneStart(text[cutAt]) {
			cutAt--
		}
		if idx := strings.LastIndex(text[:cutAt], "\n"); idx > max/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
