package threads

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Disk tier: one transcript file per thread under the store directory.
//
// The format is a short metadata header followed by a human-readable
// transcript of turns. It is intentionally lossy relative to the in-memory
// structure — its sole purpose is to let a new process recover enough state
// to keep a continuation_id usable, not to be a canonical durable log.

const (
	transcriptExt       = ".thread"
	transcriptHeaderEnd = "---"
	turnMarker          = "=== turn "
)

// TranscriptPath returns the on-disk path for a thread id.
func (s *FileStore) TranscriptPath(id string) string {
	return filepath.Join(s.dir, id+transcriptExt)
}

func (s *FileStore) writeTranscript(t *Thread) error {
	if s.dir == "" {
		return nil // disk tier disabled (tests)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating thread directory: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", t.ID)
	if t.ParentID != "" {
		fmt.Fprintf(&b, "parent: %s\n", t.ParentID)
	}
	fmt.Fprintf(&b, "tool: %s\n", t.ToolName)
	fmt.Fprintf(&b, "created: %s\n", t.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "updated: %s\n", t.LastUpdatedAt.UTC().Format(time.RFC3339))
	if t.HighestStep > 0 {
		fmt.Fprintf(&b, "highest_step: %d\n", t.HighestStep)
	}
	if t.LastStep > 0 {
		fmt.Fprintf(&b, "last_step: %d\n", t.LastStep)
	}
	if len(t.EmbeddedFiles) > 0 {
		fps := make([]string, 0, len(t.EmbeddedFiles))
		for fp := range t.EmbeddedFiles {
			fps = append(fps, fp)
		}
		fmt.Fprintf(&b, "embedded: %s\n", strings.Join(fps, " "))
	}
	for k, v := range t.InitialContext {
		fmt.Fprintf(&b, "ctx.%s: %s\n", k, strings.ReplaceAll(v, "\n", " "))
	}
	b.WriteString(transcriptHeaderEnd + "\n")

	for i, turn := range t.Turns {
		fmt.Fprintf(&b, "%s%d | %s | tool=%s | model=%s | files=%s | %s\n",
			turnMarker, i+1, turn.Role, turn.ToolName, turn.ModelName,
			strings.Join(turn.Files, ","), turn.CreatedAt.UTC().Format(time.RFC3339))
		b.WriteString(turn.Content)
		if !strings.HasSuffix(turn.Content, "\n") {
			b.WriteString("\n")
		}
	}

	return os.WriteFile(s.TranscriptPath(t.ID), []byte(b.String()), 0o644)
}

func (s *FileStore) readTranscript(id string) (*Thread, error) {
	if s.dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	f, err := os.Open(s.TranscriptPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
		}
		return nil, fmt.Errorf("%w: reading transcript %s: %v", ErrStorageIO, id, err)
	}
	defer f.Close()

	t := &Thread{ID: id, EmbeddedFiles: make(map[string]bool)}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	// Header.
	for sc.Scan() {
		line := sc.Text()
		if line == transcriptHeaderEnd {
			break
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch {
		case key == "id":
			t.ID = val
		case key == "parent":
			t.ParentID = val
		case key == "tool":
			t.ToolName = val
		case key == "created":
			t.CreatedAt, _ = time.Parse(time.RFC3339, val)
		case key == "updated":
			t.LastUpdatedAt, _ = time.Parse(time.RFC3339, val)
		case key == "highest_step":
			t.HighestStep, _ = strconv.Atoi(val)
		case key == "last_step":
			t.LastStep, _ = strconv.Atoi(val)
		case key == "embedded":
			for _, fp := range strings.Fields(val) {
				t.EmbeddedFiles[fp] = true
			}
		case strings.HasPrefix(key, "ctx."):
			if t.InitialContext == nil {
				t.InitialContext = make(map[string]string)
			}
			t.InitialContext[strings.TrimPrefix(key, "ctx.")] = val
		}
	}
	if t.LastStep == 0 {
		// Transcripts written before last_step existed resume from the
		// highest step.
		t.LastStep = t.HighestStep
	}

	// Turns.
	var cur *Turn
	var content strings.Builder
	flush := func() {
		if cur == nil {
			return
		}
		cur.Content = strings.TrimSuffix(content.String(), "\n")
		cur.TokenCount = estimateTokens(cur.Content)
		t.Turns = append(t.Turns, *cur)
		cur = nil
		content.Reset()
	}
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, turnMarker) {
			flush()
			cur = parseTurnHeader(strings.TrimPrefix(line, turnMarker))
			continue
		}
		if cur != nil {
			content.WriteString(line)
			content.WriteString("\n")
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning transcript %s: %v", ErrStorageIO, id, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed transcript", ErrThreadNotFound, id)
	}
	return t, nil
}

// parseTurnHeader parses "N | role | tool=x | model=y | files=a,b | ts".
// Unparseable fields degrade to zero values — the transcript is lossy.
func parseTurnHeader(header string) *Turn {
	turn := &Turn{}
	for i, part := range strings.Split(header, " | ") {
		part = strings.TrimSpace(part)
		switch {
		case i == 1:
			turn.Role = Role(part)
		case strings.HasPrefix(part, "tool="):
			turn.ToolName = strings.TrimPrefix(part, "tool=")
		case strings.HasPrefix(part, "model="):
			turn.ModelName = strings.TrimPrefix(part, "model=")
		case strings.HasPrefix(part, "files="):
			if v := strings.TrimPrefix(part, "files="); v != "" {
				turn.Files = strings.Split(v, ",")
			}
		default:
			if ts, err := time.Parse(time.RFC3339, part); err == nil {
				turn.CreatedAt = ts
			}
		}
	}
	return turn
}

// estimateTokens approximates token count with the chars/4 heuristic.
// Used only when reloading from the lossy disk tier; live turns carry the
// estimate computed when they were first appended.
func estimateTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	if n < 4 {
		return 1
	}
	return n / 4
}
