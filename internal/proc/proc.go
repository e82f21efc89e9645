// Package proc inspects the local process table. The status subcommand
// uses it to spot agent subprocesses that outlived their turns.
package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Entry struct {
	Pid     int
	PPid    int
	Cmdline string
	Comm    string
	State   string
}

// Snapshot is one pass over /proc, with the parent/child tree indexed.
type Snapshot struct {
	entries  map[int]*Entry
	children map[int][]int
}

func TakeSnapshot() *Snapshot {
	entries := make(map[int]*Entry)
	children := make(map[int][]int)

	dirs, err := os.ReadDir("/proc")
	if err != nil {
		return &Snapshot{entries: entries, children: children}
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		pid, ok := parsePID(dir.Name())
		if !ok {
			continue
		}

		stat, err := os.ReadFile(filepath.Join("/proc", dir.Name(), "stat"))
		if err != nil {
			continue
		}
		comm, state, ppid, ok := parseStat(string(stat))
		if !ok {
			continue
		}

		entry := &Entry{
			Pid:     pid,
			PPid:    ppid,
			Cmdline: readCmdline(pid),
			Comm:    comm,
			State:   state,
		}
		entries[pid] = entry
		children[ppid] = append(children[ppid], pid)
	}

	return &Snapshot{entries: entries, children: children}
}

// AgentProcesses returns every process that looks like a one-shot agent
// invocation of the given binary.
func (s *Snapshot) AgentProcesses(bin string) []Entry {
	base := filepath.Base(bin)
	var out []Entry
	for _, entry := range s.entries {
		haystack := entry.Cmdline
		if haystack == "" {
			haystack = entry.Comm
		}
		if strings.Contains(haystack, base) && strings.Contains(haystack, "stream-json") {
			out = append(out, *entry)
		}
	}
	return out
}

// HasDescendant reports whether pid or any live process under it matches
// one of the substrings, case-insensitively. Zombies waiting to be reaped
// do not count. Used after a kill to verify nothing in the process group
// survived.
func (s *Snapshot) HasDescendant(pid int, substrings []string) bool {
	if s == nil || pid <= 0 {
		return false
	}

	pending := []int{pid}
	visited := make(map[int]struct{})
	for len(pending) > 0 {
		current := pending[0]
		pending = pending[1:]
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}

		if entry, ok := s.entries[current]; ok && entry.State != "Z" {
			haystack := strings.ToLower(entry.Cmdline)
			if haystack == "" {
				haystack = strings.ToLower(entry.Comm)
			}
			for _, substr := range substrings {
				if substr != "" && strings.Contains(haystack, strings.ToLower(substr)) {
					return true
				}
			}
		}
		pending = append(pending, s.children[current]...)
	}
	return false
}

func parsePID(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	pid, err := strconv.Atoi(name)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// parseStat pulls comm, state and ppid from /proc/<pid>/stat. The comm
// field is parenthesized and may itself contain parentheses, so scan from
// the last closing one.
func parseStat(stat string) (string, string, int, bool) {
	stat = strings.TrimSpace(stat)
	if stat == "" {
		return "", "", 0, false
	}

	rparen := strings.LastIndex(stat, ")")
	lparen := strings.Index(stat, "(")
	if lparen == -1 || rparen == -1 || rparen <= lparen {
		return "", "", 0, false
	}

	comm := stat[lparen+1 : rparen]
	rest := strings.Fields(stat[rparen+2:])
	if len(rest) < 2 {
		return comm, "", 0, false
	}
	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return comm, rest[0], 0, false
	}
	return comm, rest[0], ppid, true
}

func readCmdline(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil || len(data) == 0 {
		return ""
	}
	var fields []string
	for _, part := range strings.Split(string(data), "\x00") {
		if part != "" {
			fields = append(fields, part)
		}
	}
	return strings.Join(fields, " ")
}
