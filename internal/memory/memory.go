// Package memory tracks file contents accumulated across plan steps.
//
// One FileMemory lives for one run. Successful step handlers commit
// their file writes here; any handler reads a consistent snapshot taken
// at its start. State is loaded from a checkpoint on resume and
// discarded on a fresh start.
package memory

import (
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Action describes what a committed change did to a path.
type Action string

const (
	ActionCreated  Action = "created"
	ActionModified Action = "modified"
	ActionDeleted  Action = "deleted"
)

// Change is one entry in the append-only change log.
type Change struct {
	Ordinal int    `json:"step_ordinal"`
	Path    string `json:"path"`
	Action  Action `json:"action"`
}

// Manifest files an LLM must never overwrite once they exist on disk.
var protectedFilenames = map[string]struct{}{
	"go.mod":            {},
	"go.sum":            {},
	"package.json":      {},
	"package-lock.json": {},
	"requirements.txt":  {},
	"pyproject.toml":    {},
	"Cargo.toml":        {},
	"Cargo.lock":        {},
	"Gemfile":           {},
	"composer.json":     {},
}

// FileMemory is the shared file-state map for one run.
//
// Commits hold the write lock, so writes to any given path are
// serialized; snapshot reads run concurrently under the read lock and
// never observe a torn commit.
type FileMemory struct {
	mu     sync.RWMutex
	files  map[string]string
	log    []Change
	logger *zap.Logger

	// existsOnDisk is swappable for tests of protected-file handling.
	existsOnDisk func(path string) bool
}

// New creates an empty FileMemory.
func New(logger *zap.Logger) *FileMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileMemory{
		files:  make(map[string]string),
		logger: logger,
		existsOnDisk: func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		},
	}
}

// Commit stores or overwrites file contents on behalf of a step and
// returns the paths actually written. Protected manifest files that
// already exist on disk are skipped to prevent generated corruption.
func (m *FileMemory) Commit(ordinal int, files map[string]string) []string {
	if len(files) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	written := make([]string, 0, len(files))
	for _, p := range sortedKeys(files) {
		if _, protected := protectedFilenames[path.Base(p)]; protected && m.existsOnDisk(p) {
			m.logger.Warn("skipping protected file update",
				zap.String("path", p),
				zap.Int("step", ordinal))
			continue
		}
		action := ActionCreated
		if _, ok := m.files[p]; ok {
			action = ActionModified
		}
		m.files[p] = files[p]
		m.log = append(m.log, Change{Ordinal: ordinal, Path: p, Action: action})
		written = append(written, p)
	}
	return written
}

// Delete removes a path and records the deletion.
func (m *FileMemory) Delete(ordinal int, p string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[p]; !ok {
		return
	}
	delete(m.files, p)
	m.log = append(m.log, Change{Ordinal: ordinal, Path: p, Action: ActionDeleted})
}

// Get returns the current content of a path.
func (m *FileMemory) Get(p string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.files[p]
	return content, ok
}

// Snapshot returns a consistent copy of the full file map. Handlers
// take one snapshot at start and build their context from it.
func (m *FileMemory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]string, len(m.files))
	for p, content := range m.files {
		snap[p] = content
	}
	return snap
}

// ChangeLog returns a copy of the append-only change log.
func (m *FileMemory) ChangeLog() []Change {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Change(nil), m.log...)
}

// Load replaces the file map from a checkpoint snapshot. The change
// log restarts empty; history before the checkpoint is not replayed.
func (m *FileMemory) Load(files map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files = make(map[string]string, len(files))
	for p, content := range files {
		m.files[p] = content
	}
	m.log = nil
}

// Len returns the number of tracked files.
func (m *FileMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

// Summary lists tracked paths for prompt context and logs.
func (m *FileMemory) Summary() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.files) == 0 {
		return "(no files yet)"
	}
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return strings.Join(paths, ", ")
}

// RelatedContext builds a compact context string with the files most
// relevant to the step text, under a rough token budget (~4 chars per
// token). Relevance is filename-based: exact path or basename mentions
// score highest, then name-stem words, then a standalone extension
// mention.
func (m *FileMemory) RelatedContext(stepText string, maxTokens int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scored := m.scoreFiles(stepText)
	budget := maxTokens
	if budget <= 0 {
		budget = int(^uint(0) >> 1)
	}

	var b strings.Builder
	used := 0
	for _, sf := range scored {
		entry := "#### [FILE]: " + sf.path + "\n```\n" + sf.content + "\n```"
		cost := estimateTokens(entry)
		if used+cost > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(entry)
		used += cost
	}
	return b.String()
}

type scoredFile struct {
	score   int
	path    string
	content string
}

func (m *FileMemory) scoreFiles(stepText string) []scoredFile {
	stepLower := strings.ToLower(stepText)

	var scored []scoredFile
	for p, content := range m.files {
		score := 0
		base := path.Base(p)
		ext := path.Ext(base)
		stem := strings.TrimSuffix(base, ext)

		if strings.Contains(stepText, p) || strings.Contains(stepText, base) {
			score += 100
		}
		for _, part := range strings.FieldsFunc(stem, func(r rune) bool {
			return r == '_' || r == '-'
		}) {
			if len(part) > 2 && strings.Contains(stepLower, strings.ToLower(part)) {
				score += 50
				break
			}
		}
		if ext != "" && strings.Contains(stepLower, strings.TrimPrefix(ext, ".")) {
			score += 10
		}
		if score > 0 {
			scored = append(scored, scoredFile{score: score, path: p, content: content})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].path < scored[j].path
	})
	return scored
}

func estimateTokens(text string) int {
	return len(text) / 4
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
