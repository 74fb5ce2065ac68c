package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/blenderagent/agentloop"
	"github.com/martinemde/blenderagent/sessions"
)

// isolateEnv clears variables that would leak a developer's setup into the
// command under test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"GEMINI_API_KEY", "API_KEY", "BLENDER_BRIDGE_TOKEN", "QDRANT_API_KEY"} {
		t.Setenv(key, "")
	}
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return buf.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCommandTree(t *testing.T) {
	root := buildRootCommand()
	paths := [][]string{
		{"chat"},
		{"serve"},
		{"tools", "list"},
		{"tools", "delete"},
		{"memory", "show"},
		{"memory", "set"},
		{"kb", "collections"},
		{"kb", "create"},
		{"kb", "delete"},
		{"kb", "add"},
		{"kb", "search"},
		{"models"},
		{"config", "schema"},
		{"config", "show"},
		{"config", "init"},
		{"check"},
	}
	for _, path := range paths {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
	assert.Equal(t, "json", mustFind(t, root, "serve").Annotations[logFormatAnnotation])
}

func TestModelsCommand(t *testing.T) {
	isolateEnv(t)
	cfg := filepath.Join(t.TempDir(), "absent.yaml")

	out, err := runCLI(t, "", "--config", cfg, "models", "--provider", "gemini")
	require.NoError(t, err)
	assert.Contains(t, out, "gemini-2.5-flash")
	assert.NotContains(t, out, "openai")

	out, err = runCLI(t, "", "--config", cfg, "models", "--json")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "["))
	assert.Contains(t, out, `"supports_tools"`)
}

func TestConfigCommands(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "blenderagent", "config.yaml")

	out, err := runCLI(t, "", "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	require.FileExists(t, path)

	_, err = runCLI(t, "", "--config", path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	t.Setenv("GEMINI_API_KEY", "AIzaSecret9876")
	out, err = runCLI(t, "", "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "****9876")
	assert.NotContains(t, out, "AIzaSecret9876")
	assert.Contains(t, out, "timeout: 30s")

	out, err = runCLI(t, "", "--config", path, "config", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "blenderagent configuration")
}

func TestInvalidConfigFails(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, "storage:\n  backend: postgres\n")
	_, err := runCLI(t, "", "--config", path, "models")
	assert.ErrorContains(t, err, "storage.backend")
}

// fakeAddon serves the memory and tools endpoints of the bridge add-on.
type fakeAddon struct {
	mu      sync.Mutex
	memory  string
	deleted []string
}

func (f *fakeAddon) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Blender-Token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/":
			_, _ = io.WriteString(w, "online")
		case r.URL.Path == "/memory" && r.Method == http.MethodGet:
			_, _ = io.WriteString(w, f.memory)
		case r.URL.Path == "/memory" && r.Method == http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			f.memory = string(data)
		case r.URL.Path == "/tools" && r.Method == http.MethodGet:
			_, _ = io.WriteString(w, `[{"name":"Donut","description":"Adds a donut","trigger":"make_donut","code":"pass"}]`)
		case r.URL.Path == "/tools" && r.Method == http.MethodDelete:
			data, _ := io.ReadAll(r.Body)
			f.deleted = append(f.deleted, string(data))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return mux
}

func (f *fakeAddon) snapshot() (string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memory, append([]string(nil), f.deleted...)
}

func newAddonConfig(t *testing.T) (*fakeAddon, string) {
	t.Helper()
	isolateEnv(t)
	t.Setenv("BLENDER_BRIDGE_TOKEN", "tok")
	addon := &fakeAddon{memory: "Prefers metric units"}
	srv := httptest.NewServer(addon.handler(t))
	t.Cleanup(srv.Close)
	return addon, writeConfig(t, "bridge:\n  url: "+srv.URL+"\n")
}

func TestMemoryCommands(t *testing.T) {
	addon, cfg := newAddonConfig(t)

	out, err := runCLI(t, "", "--config", cfg, "memory", "show")
	require.NoError(t, err)
	assert.Equal(t, "Prefers metric units\n", out)

	_, err = runCLI(t, "", "--config", cfg, "memory", "set", "Likes", "bevels")
	require.NoError(t, err)
	memory, _ := addon.snapshot()
	assert.Equal(t, "Likes bevels", memory)

	_, err = runCLI(t, "from stdin\n", "--config", cfg, "memory", "set", "-")
	require.NoError(t, err)
	memory, _ = addon.snapshot()
	assert.Equal(t, "from stdin\n", memory)
}

func TestToolsCommands(t *testing.T) {
	addon, cfg := newAddonConfig(t)

	out, err := runCLI(t, "", "--config", cfg, "tools", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "make_donut")
	assert.Contains(t, out, "Adds a donut")

	out, err = runCLI(t, "", "--config", cfg, "tools", "delete", "make_donut")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted tool make_donut")
	_, deleted := addon.snapshot()
	require.Len(t, deleted, 1)
	assert.JSONEq(t, `{"trigger":"make_donut"}`, deleted[0])
}

func TestCheckCommand(t *testing.T) {
	_, cfg := newAddonConfig(t)

	out, err := runCLI(t, "", "--config", cfg, "check")
	assert.EqualError(t, err, "1 of 3 checks failed")
	assert.Regexp(t, `blender bridge\s+ok\s+online at http://127\.0\.0\.1`, out)
	assert.Regexp(t, `knowledge base\s+ok\s+disabled`, out)
	assert.Regexp(t, `model\s+FAIL\s+GEMINI_API_KEY is not set`, out)
}

func TestStreamPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf)
	p.follow("s1")

	model := func(text string, streaming bool) agentloop.Message {
		return agentloop.Message{ID: "m1", Role: agentloop.RoleModel, Text: text, IsStreaming: streaming}
	}
	p.update(sessions.Update{SessionID: "s1", Added: true, Message: agentloop.Message{ID: "u1", Role: agentloop.RoleUser, Text: "hi"}})
	p.update(sessions.Update{SessionID: "s1", Added: true, Message: model("", true)})
	p.update(sessions.Update{SessionID: "s1", Message: model("Hel", true)})
	p.update(sessions.Update{SessionID: "other", Message: agentloop.Message{ID: "x", Role: agentloop.RoleModel, Text: "ignored"}})
	p.update(sessions.Update{SessionID: "s1", Message: model("Hello", true)})
	final := model("Hello", false)
	final.Links = []agentloop.GroundingLink{{Title: "Docs", URI: "https://docs.blender.org"}}
	p.update(sessions.Update{SessionID: "s1", Message: final})
	p.update(sessions.Update{SessionID: "s1", Added: true, Message: agentloop.Message{ID: "e1", Role: agentloop.RoleModel, Text: "boom", IsError: true}})
	p.finish()

	assert.Equal(t, "agent> Hello\n  [Docs] https://docs.blender.org\nagent! boom\n", buf.String())
}

func TestStreamPrinterFinishClosesLine(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf)
	p.follow("s1")
	p.update(sessions.Update{SessionID: "s1", Message: agentloop.Message{ID: "m1", Role: agentloop.RoleModel, Text: "partial", IsStreaming: true}})
	p.finish()
	p.finish()
	assert.Equal(t, "agent> partial\n", buf.String())
}

func TestMatchSession(t *testing.T) {
	list := []sessions.ChatSession{{ID: "abc123"}, {ID: "abd456"}, {ID: "xyz"}}
	tests := []struct {
		prefix  string
		want    string
		wantErr string
	}{
		{"abc123", "abc123", ""},
		{"abd", "abd456", ""},
		{"ab", "", "matches 2 chats"},
		{"nope", "", "no chat matches"},
	}
	for _, tt := range tests {
		got, err := matchSession(list, tt.prefix)
		if tt.wantErr != "" {
			assert.ErrorContains(t, err, tt.wantErr, tt.prefix)
			continue
		}
		require.NoError(t, err, tt.prefix)
		assert.Equal(t, tt.want, got)
	}
}

func TestCollectDocuments(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "nodes.md")
	blank := filepath.Join(dir, "blank.md")
	require.NoError(t, os.WriteFile(doc, []byte("Geometry nodes"), 0o600))
	require.NoError(t, os.WriteFile(blank, []byte("  \n"), 0o600))

	docs, err := collectDocuments([]string{"cube text", "  "}, []string{doc, blank}, "manual")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "cube text", docs[0].Text)
	assert.Equal(t, "manual", docs[0].Source)
	assert.Equal(t, "nodes.md", docs[1].Source)

	_, err = collectDocuments(nil, []string{filepath.Join(dir, "missing.md")}, "")
	assert.ErrorContains(t, err, "missing.md")
}

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, nil, "")
	assert.Equal(t, "No saved chats.\n", buf.String())

	buf.Reset()
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	printSessions(&buf, []sessions.ChatSession{
		{ID: "0123456789", Title: "Red cube", Messages: make([]agentloop.Message, 2), UpdatedAt: updated},
	}, "0123456789")
	out := buf.String()
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789")
	assert.Contains(t, out, "Red cube")
	assert.True(t, strings.Contains(out, "*"))
}

func mustFind(t *testing.T, root *cobra.Command, name string) *cobra.Command {
	t.Helper()
	cmd, _, err := root.Find([]string{name})
	require.NoError(t, err)
	return cmd
}
