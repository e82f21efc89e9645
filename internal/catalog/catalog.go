// Package catalog reads the agent runtime's on-disk session store
// (~/.claude/projects). It is a read-only collaborator: the daemon never
// writes here, the agent CLI owns the files.
package catalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Project is one agent project directory with at least one session.
type Project struct {
	DirName      string // e.g. "-home-dev-myproject"
	Path         string // e.g. "/home/dev/myproject"
	SessionCount int
}

// Session summarizes one recorded session file.
type Session struct {
	Token        string
	WorkDir      string
	FirstMessage string
	Timestamp    string
	MessageCount int
	ModTime      time.Time
}

// Catalog caches directory scans and invalidates on filesystem events.
type Catalog struct {
	dir string

	mu       sync.Mutex
	projects []Project
	sessions map[string][]Session // project dir name -> sessions, newest first
	valid    bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func New(dir string) *Catalog {
	return &Catalog{
		dir:      dir,
		sessions: make(map[string][]Session),
		done:     make(chan struct{}),
	}
}

// Watch starts invalidating the scan cache when the projects tree changes.
// Without it the catalog still works, it just rescans on every call.
// fsnotify does not recurse, and session files land inside the per-project
// subdirectories, so each of those gets its own watch; new project
// directories are picked up from create events on the root.
func (c *Catalog) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return err
	}
	if entries, err := os.ReadDir(c.dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(c.dir, entry.Name()))
			}
		}
	}

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = watcher.Add(ev.Name)
					}
				}
				c.Invalidate()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("catalog watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (c *Catalog) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// ListProjects returns all projects that have at least one session file.
func (c *Catalog) ListProjects() []Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureScannedLocked()
	out := make([]Project, len(c.projects))
	copy(out, c.projects)
	return out
}

// ListSessions returns up to limit sessions for a project, most recent
// first. Sessions whose files hold no user message are skipped.
func (c *Catalog) ListSessions(projectDirName string, limit int) []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureScannedLocked()
	sessions := c.sessions[projectDirName]
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	out := make([]Session, len(sessions))
	copy(out, sessions)
	return out
}

// Locate finds which project a session token belongs to. It satisfies the
// registry's resume-validation interface.
func (c *Catalog) Locate(token string) (projectDir, workDir string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureScannedLocked()
	for dirName, sessions := range c.sessions {
		for _, s := range sessions {
			if s.Token == token {
				return dirName, s.WorkDir, nil
			}
		}
	}
	return "", "", fmt.Errorf("session %s not found in catalog", token)
}

// ResolvePrefix expands a short token prefix within one project.
func (c *Catalog) ResolvePrefix(projectDirName, prefix string) (string, bool) {
	for _, s := range c.ListSessions(projectDirName, 0) {
		if strings.HasPrefix(s.Token, prefix) {
			return s.Token, true
		}
	}
	return "", false
}

func (c *Catalog) ensureScannedLocked() {
	if c.valid {
		return
	}
	c.projects = nil
	c.sessions = make(map[string][]Session)

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.valid = c.watcher != nil
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessions := scanProjectDir(filepath.Join(c.dir, entry.Name()))
		if len(sessions) == 0 {
			continue
		}
		c.sessions[entry.Name()] = sessions
		c.projects = append(c.projects, Project{
			DirName:      entry.Name(),
			Path:         DirNameToPath(entry.Name()),
			SessionCount: len(sessions),
		})
	}
	sort.Slice(c.projects, func(i, j int) bool { return c.projects[i].DirName < c.projects[j].DirName })
	// The result is only trustworthy between filesystem events, so the
	// cache is armed only while a watcher delivers them.
	c.valid = c.watcher != nil
}

func scanProjectDir(dir string) []Session {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil
	}

	var sessions []Session
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		s, ok := parseSessionFile(path)
		if !ok {
			continue
		}
		s.ModTime = info.ModTime()
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ModTime.After(sessions[j].ModTime) })
	return sessions
}

type sessionLine struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	CWD       string          `json:"cwd"`
	Message   json.RawMessage `json:"message"`
}

type sessionMessage struct {
	Content json.RawMessage `json:"content"`
}

func parseSessionFile(path string) (Session, bool) {
	file, err := os.Open(path)
	if err != nil {
		return Session{}, false
	}
	defer file.Close()

	s := Session{Token: strings.TrimSuffix(filepath.Base(path), ".jsonl")}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line sessionLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Type != "user" {
			continue
		}
		s.MessageCount++
		if s.FirstMessage == "" {
			s.FirstMessage = firstMessageText(line.Message)
			s.Timestamp = line.Timestamp
		}
		if s.WorkDir == "" && line.CWD != "" {
			s.WorkDir = line.CWD
		}
	}

	if s.FirstMessage == "" {
		return Session{}, false
	}
	return s, true
}

func firstMessageText(raw json.RawMessage) string {
	var msg sessionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return truncate(text, 100)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(msg.Content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return truncate(b.Text, 100)
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// DirNameToPath reverses the runtime's path munging: the project dir name
// is the working directory with every separator replaced by "-". Folders
// whose own names contain dashes make this ambiguous, so probe for the
// longest prefix that exists on disk and treat the remainder as one
// dash-joined folder name.
func DirNameToPath(dirName string) string {
	parts := strings.Split(strings.TrimPrefix(dirName, "-"), "-")
	best := "/" + strings.Join(parts, "/")

	for i := len(parts); i > 0; i-- {
		candidate := "/" + strings.Join(parts[:i], "/")
		if _, err := os.Stat(candidate); err == nil {
			if rest := parts[i:]; len(rest) > 0 {
				best = candidate + "/" + strings.Join(rest, "-")
			} else {
				best = candidate
			}
			break
		}
	}
	return best
}
