package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/abakedjoetato/killfeed/internal/aggregate"
	"github.com/abakedjoetato/killfeed/internal/ingest"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

const serverLog = `[2023.05.20-15.30.45] Server started
[2023.05.20-15.31.00] Mission spawned: Cargo (Level 3)
[2023.05.20-15.32.10] Alpha connected
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "server.log")
	if err := os.WriteFile(logPath, []byte(serverLog), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := fmt.Sprintf(`
sources:
  - id: srv1
    log_path: %s
    log_enabled: true
state:
  dir: %s
store:
  driver: sqlite
  path: %s
`, logPath, filepath.Join(dir, "state"), filepath.Join(dir, "killfeed.db"))

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// writeDefaultConfig names only the source and the state directory.
func writeDefaultConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "server.log")
	if err := os.WriteFile(logPath, []byte(serverLog), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := fmt.Sprintf(`
sources:
  - id: srv1
    log_path: %s
    log_enabled: true
state:
  dir: %s
`, logPath, filepath.Join(dir, "state"))

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func execute(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseThenQuery(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, cfg, "parse", "srv1")
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	var sums []ingest.Summary
	if err := json.Unmarshal([]byte(out), &sums); err != nil {
		t.Fatalf("Unmarshal() error = %v: %s", err, out)
	}
	if len(sums) != 1 || sums[0].Kind != types.KindLog || sums[0].Counts[types.EventMission] != 1 {
		t.Errorf("Expected one log pass with a mission, got %+v", sums)
	}

	out, err = execute(t, cfg, "parse", "srv1")
	if err != nil {
		t.Fatalf("second parse error = %v", err)
	}
	var again []ingest.Summary
	json.Unmarshal([]byte(out), &again)
	if len(again) != 1 || again[0].Total() != 0 {
		t.Errorf("Expected second pass to resume at the committed offset, got %+v", again)
	}

	out, err = execute(t, cfg, "stats", "server", "srv1")
	if err != nil {
		t.Fatalf("stats error = %v", err)
	}
	var st aggregate.ServerStats
	json.Unmarshal([]byte(out), &st)
	if st.SourceID != "srv1" || st.TotalMissions != 1 {
		t.Errorf("Expected one mission on srv1, got %+v", st)
	}

	out, err = execute(t, cfg, "stats", "activity", "srv1")
	if err != nil {
		t.Fatalf("activity error = %v", err)
	}
	var act aggregate.ActivityStats
	json.Unmarshal([]byte(out), &act)
	if act.SourceID != "srv1" || act.Joins != 1 || act.Leaves != 0 {
		t.Errorf("Expected one join on srv1, got %+v", act)
	}

	if _, err := execute(t, cfg, "stats", "player", "alpha", "--source", "nope"); err == nil {
		t.Error("Expected an error for an unknown source")
	}

	out, err = execute(t, cfg, "feed", "server_events", "--source", "srv1")
	if err != nil {
		t.Fatalf("feed error = %v", err)
	}
	var page struct {
		Events []types.Envelope `json:"events"`
		Cursor struct {
			LastID int64 `json:"last_id"`
		} `json:"cursor"`
	}
	json.Unmarshal([]byte(out), &page)
	if len(page.Events) != 2 || page.Cursor.LastID == 0 {
		t.Errorf("Expected 2 server events and an advanced cursor, got %+v", page)
	}
}

func TestResetAndProgress(t *testing.T) {
	cfg := writeConfig(t)

	if _, err := execute(t, cfg, "parse", "srv1"); err != nil {
		t.Fatalf("parse error = %v", err)
	}
	out, err := execute(t, cfg, "reset", "srv1")
	if err != nil || !strings.Contains(out, "srv1: reset") {
		t.Fatalf("reset = %q, %v", out, err)
	}

	out, err = execute(t, cfg, "progress", "srv1")
	if err != nil {
		t.Fatalf("progress error = %v", err)
	}
	var resp struct {
		States []types.ParserState `json:"states"`
	}
	json.Unmarshal([]byte(out), &resp)
	for _, st := range resp.States {
		if st.LastOffset != 0 {
			t.Errorf("Expected offset 0 after reset, got %d", st.LastOffset)
		}
	}
}

func TestCommandErrors(t *testing.T) {
	cfg := writeConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown source", []string{"parse", "nope"}},
		{"bad mode", []string{"parse", "srv1", "--mode", "sideways"}},
		{"bad kind", []string{"parse", "srv1", "--kind", "xml"}},
		{"csv not configured", []string{"backfill", "srv1"}},
		{"bad stat", []string{"leaderboard", "--stat", "headshots"}},
		{"bad collection", []string{"feed", "chat"}},
		{"missing config", []string{"--config", "/nonexistent.yaml", "stats", "player", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, cfg, tt.args...); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestFactionsTable(t *testing.T) {
	cfg := writeConfig(t)
	path := filepath.Join(t.TempDir(), "factions.json")
	os.WriteFile(path, []byte(`[{"name":"Wolves","abbreviation":"WLF","members":["a"]}]`), 0644)

	out, err := execute(t, cfg, "factions", path)
	if err != nil {
		t.Fatalf("factions error = %v", err)
	}
	if !strings.Contains(out, "WLF") {
		t.Errorf("Expected the faction in the table, got %q", out)
	}
}

func TestDisableEnable(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, cfg, "disable", "srv1")
	if err != nil || !strings.Contains(out, "srv1/log/incremental: disabled") {
		t.Fatalf("disable = %q, %v", out, err)
	}
	out, err = execute(t, cfg, "parse", "srv1")
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	var sums []ingest.Summary
	json.Unmarshal([]byte(out), &sums)
	if len(sums) != 1 || sums[0].Total() != 0 {
		t.Errorf("Expected a disabled parser to skip the pass, got %+v", sums)
	}

	if _, err := execute(t, cfg, "enable", "srv1"); err != nil {
		t.Fatalf("enable error = %v", err)
	}
	out, _ = execute(t, cfg, "parse", "srv1")
	json.Unmarshal([]byte(out), &sums)
	if len(sums) != 1 || sums[0].Total() != 3 {
		t.Errorf("Expected the re-enabled parser to read the whole log, got %+v", sums)
	}

	if _, err := execute(t, cfg, "weapons", "--source", "srv1"); err != nil {
		t.Errorf("weapons error = %v", err)
	}
}

func TestFeedFollow(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := execute(t, cfg, "parse", "srv1"); err != nil {
		t.Fatalf("parse error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfg, "feed", "server_events", "--follow", "--interval", "10ms"})
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("feed --follow error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 followed events, got %d: %q", len(lines), out.String())
	}
	var env types.Envelope
	if err := json.Unmarshal([]byte(lines[0]), &env); err != nil {
		t.Errorf("Expected a JSON envelope per line: %v", err)
	}
}

func TestDefaultConfigKeepsEventsWithOffsets(t *testing.T) {
	cfg := writeDefaultConfig(t)

	out, err := execute(t, cfg, "parse", "srv1")
	if err != nil {
		t.Fatalf("parse error = %v", err)
	}
	var sums []ingest.Summary
	if err := json.Unmarshal([]byte(out), &sums); err != nil {
		t.Fatalf("Unmarshal() error = %v: %s", err, out)
	}
	if len(sums) != 1 || !sums[0].Committed || sums[0].Counts[types.EventMission] != 1 {
		t.Fatalf("Expected a committed pass with a mission, got %+v", sums)
	}
	end := sums[0].EndOffset

	out, err = execute(t, cfg, "stats", "server", "srv1")
	if err != nil {
		t.Fatalf("stats error = %v", err)
	}
	var st aggregate.ServerStats
	json.Unmarshal([]byte(out), &st)
	if st.TotalMissions != 1 {
		t.Errorf("Expected the committed mission to be queryable, got %+v", st)
	}

	out, err = execute(t, cfg, "parse", "srv1")
	if err != nil {
		t.Fatalf("second parse error = %v", err)
	}
	var again []ingest.Summary
	json.Unmarshal([]byte(out), &again)
	if len(again) != 1 || again[0].Total() != 0 {
		t.Fatalf("Expected the second pass to find nothing new, got %+v", again)
	}
	if again[0].SourceID != "srv1" || again[0].StartOffset != end || again[0].Counts == nil {
		t.Errorf("Expected an empty srv1 pass starting at %d, got %+v", end, again[0])
	}
}
