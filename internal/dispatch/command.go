package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
)

// CommandPipeline runs an external program per message. The message is
// written to stdin as JSON. Stdout is either JSON lines, one reply payload
// per line ({"text": ..., "media_path": ...}), or plain text, which becomes
// a single text reply.
type CommandPipeline struct {
	argv []string
}

// NewCommandPipeline creates a pipeline running argv.
func NewCommandPipeline(argv []string) (*CommandPipeline, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("dispatch command is empty")
	}
	return &CommandPipeline{argv: append([]string(nil), argv...)}, nil
}

// Dispatch runs the program and parses its replies.
func (c *CommandPipeline) Dispatch(ctx context.Context, msg bus.InboundMessage) ([]bus.ReplyPayload, error) {
	input, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dispatch command: %w", ctx.Err())
		}
		return nil, fmt.Errorf("dispatch command: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseCommandOutput(stdout.Bytes())
}

func parseCommandOutput(out []byte) ([]bus.ReplyPayload, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return []bus.ReplyPayload{{Text: string(trimmed)}}, nil
	}

	var replies []bus.ReplyPayload
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var p bus.ReplyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return replies, fmt.Errorf("parse reply line %d: %w", line, err)
		}
		if !p.IsEmpty() {
			replies = append(replies, p)
		}
	}
	if err := sc.Err(); err != nil {
		return replies, fmt.Errorf("read command output: %w", err)
	}
	return replies, nil
}
