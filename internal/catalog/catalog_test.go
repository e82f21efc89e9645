package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSessionFile(t *testing.T, dir, token string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, token+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func userLine(text, cwd, ts string) string {
	return fmt.Sprintf(`{"type":"user","timestamp":%q,"cwd":%q,"message":{"role":"user","content":%q}}`, ts, cwd, text)
}

func TestListProjectsScansSessionFiles(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))
	writeSessionFile(t, projDir, "sess-aaa",
		userLine("fix the login bug", "/home/dev/app", "2026-08-01T10:00:00Z"),
		`{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}`,
		userLine("now add tests", "/home/dev/app", "2026-08-01T10:05:00Z"),
	)

	c := New(root)
	projects := c.ListProjects()
	require.Len(t, projects, 1)
	assert.Equal(t, "-home-dev-app", projects[0].DirName)
	assert.Equal(t, 1, projects[0].SessionCount)
}

func TestListProjectsSkipsEmptyDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "-home-dev-empty"), 0o755))

	c := New(root)
	assert.Empty(t, c.ListProjects())
}

func TestListSessionsNewestFirst(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))

	old := writeSessionFile(t, projDir, "sess-old", userLine("old task", "/home/dev/app", "2026-07-01T00:00:00Z"))
	writeSessionFile(t, projDir, "sess-new", userLine("new task", "/home/dev/app", "2026-08-01T00:00:00Z"))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	c := New(root)
	sessions := c.ListSessions("-home-dev-app", 0)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-new", sessions[0].Token)
	assert.Equal(t, "sess-old", sessions[1].Token)
}

func TestListSessionsLimit(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))
	for i := 0; i < 5; i++ {
		writeSessionFile(t, projDir, fmt.Sprintf("sess-%d", i), userLine("task", "/home/dev/app", "2026-08-01T00:00:00Z"))
	}

	c := New(root)
	assert.Len(t, c.ListSessions("-home-dev-app", 3), 3)
}

func TestSessionSummaryFields(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))
	long := strings.Repeat("x", 150)
	writeSessionFile(t, projDir, "sess-aaa",
		userLine(long, "/home/dev/app", "2026-08-01T10:00:00Z"),
		userLine("second", "/home/dev/app", "2026-08-01T10:01:00Z"),
	)

	c := New(root)
	sessions := c.ListSessions("-home-dev-app", 0)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Len(t, s.FirstMessage, 100)
	assert.Equal(t, 2, s.MessageCount)
	assert.Equal(t, "/home/dev/app", s.WorkDir)
	assert.Equal(t, "2026-08-01T10:00:00Z", s.Timestamp)
}

func TestSessionWithBlockContent(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))
	writeSessionFile(t, projDir, "sess-blk",
		`{"type":"user","timestamp":"2026-08-01T10:00:00Z","cwd":"/home/dev/app","message":{"role":"user","content":[{"type":"text","text":"from blocks"}]}}`,
	)

	c := New(root)
	sessions := c.ListSessions("-home-dev-app", 0)
	require.Len(t, sessions, 1)
	assert.Equal(t, "from blocks", sessions[0].FirstMessage)
}

func TestSessionWithoutUserMessageSkipped(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))
	writeSessionFile(t, projDir, "sess-meta",
		`{"type":"summary","summary":"continuation"}`,
	)

	c := New(root)
	assert.Empty(t, c.ListSessions("-home-dev-app", 0))
}

func TestLocate(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))
	writeSessionFile(t, projDir, "sess-abc", userLine("task", "/home/dev/app", "2026-08-01T00:00:00Z"))

	c := New(root)
	dir, workDir, err := c.Locate("sess-abc")
	require.NoError(t, err)
	assert.Equal(t, "-home-dev-app", dir)
	assert.Equal(t, "/home/dev/app", workDir)

	_, _, err = c.Locate("sess-missing")
	assert.Error(t, err)
}

func TestResolvePrefix(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))
	writeSessionFile(t, projDir, "abcdef-123", userLine("task", "/home/dev/app", "2026-08-01T00:00:00Z"))

	c := New(root)
	token, ok := c.ResolvePrefix("-home-dev-app", "abcd")
	require.True(t, ok)
	assert.Equal(t, "abcdef-123", token)

	_, ok = c.ResolvePrefix("-home-dev-app", "zzz")
	assert.False(t, ok)
}

func TestRescansWithoutWatcher(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))
	writeSessionFile(t, projDir, "sess-1", userLine("one", "/home/dev/app", "2026-08-01T00:00:00Z"))

	c := New(root)
	require.Len(t, c.ListSessions("-home-dev-app", 0), 1)

	// No watcher running, so every call must rescan.
	writeSessionFile(t, projDir, "sess-2", userLine("two", "/home/dev/app", "2026-08-02T00:00:00Z"))
	assert.Len(t, c.ListSessions("-home-dev-app", 0), 2)

	_, _, err := c.Locate("sess-2")
	assert.NoError(t, err)
}

func TestWatcherDetectsNewSessionFile(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))
	writeSessionFile(t, projDir, "sess-1", userLine("one", "/home/dev/app", "2026-08-01T00:00:00Z"))

	c := New(root)
	require.NoError(t, c.Watch())
	defer c.Close()
	require.Len(t, c.ListSessions("-home-dev-app", 0), 1)

	// Session files land inside the project subdirectory, the shape the
	// agent CLI produces after every turn.
	writeSessionFile(t, projDir, "sess-2", userLine("two", "/home/dev/app", "2026-08-02T00:00:00Z"))
	require.Eventually(t, func() bool {
		_, _, err := c.Locate("sess-2")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, c.ListSessions("-home-dev-app", 0), 2)
}

func TestWatcherDetectsNewProjectDir(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-app")
	require.NoError(t, os.Mkdir(projDir, 0o755))
	writeSessionFile(t, projDir, "sess-1", userLine("one", "/home/dev/app", "2026-08-01T00:00:00Z"))

	c := New(root)
	require.NoError(t, c.Watch())
	defer c.Close()
	require.Len(t, c.ListProjects(), 1)

	otherDir := filepath.Join(root, "-home-dev-other")
	require.NoError(t, os.Mkdir(otherDir, 0o755))
	writeSessionFile(t, otherDir, "sess-9", userLine("nine", "/home/dev/other", "2026-08-03T00:00:00Z"))
	require.Eventually(t, func() bool {
		return len(c.ListProjects()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDirNameToPath(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "my-project")
	require.NoError(t, os.Mkdir(nested, 0o755))

	dirName := strings.ReplaceAll(nested, string(os.PathSeparator), "-")
	assert.Equal(t, nested, DirNameToPath(dirName))
}
