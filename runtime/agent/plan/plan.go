// Package plan persists plan-and-execute sessions: an immutable snapshot of
// the plan produced by the planning phase, the live workspace the execution
// phase mutates, and the drift measurement between the two.
//
// On disk a session is one directory under the store root:
//
//	plan_<timestamp>/
//	    workspace/           live copy, owned by the executing agent
//	    frozen/              snapshot taken at finalize, never written again
//	    plan_metadata.json
//	    execution_log.jsonl
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

type (
	// Status is the lifecycle state of a plan session.
	Status string

	// Session is the handle to one on-disk plan session.
	Session struct {
		// Dir is the session directory (plan_<timestamp>).
		Dir string
		// PlanningSessionID links back to the coordination session that
		// produced the plan.
		PlanningSessionID string
		// CreatedAt is the allocation time.
		CreatedAt time.Time
		// Status is the lifecycle state recorded in plan_metadata.json.
		Status Status
	}

	// Task is one entry of plan.json. Identity is the id; any other field
	// changing marks the task modified.
	Task struct {
		ID          string `json:"id"`
		Title       string `json:"title,omitempty"`
		Description string `json:"description,omitempty"`
		Status      string `json:"status,omitempty"`
		Priority    string `json:"priority,omitempty"`
	}

	// Diff is the drift report between the live workspace plan and the
	// frozen snapshot.
	Diff struct {
		// TasksAdded lists task ids present in the workspace but not the
		// snapshot.
		TasksAdded []string `json:"tasks_added"`
		// TasksRemoved lists task ids present in the snapshot but not the
		// workspace.
		TasksRemoved []string `json:"tasks_removed"`
		// TasksModified lists task ids present in both with differing
		// content.
		TasksModified []string `json:"tasks_modified"`
		// DivergenceScore is (added+removed+modified)/frozen tasks, clamped
		// to [0, 1].
		DivergenceScore float64 `json:"divergence_score"`
	}

	// Store manages plan sessions under one root directory.
	Store struct {
		root string
	}

	metadata struct {
		PlanningSessionID string    `json:"planning_session_id"`
		CreatedAt         time.Time `json:"created_at"`
		Status            Status    `json:"status"`
	}

	planFile struct {
		Tasks []Task `json:"tasks"`
	}

	logRecord struct {
		Timestamp string `json:"timestamp"`
		EventType string `json:"event_type"`
		Data      any    `json:"data"`
	}
)

// Lifecycle states.
const (
	StatusPlanning  Status = "planning"
	StatusReady     Status = "ready"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	metadataFile  = "plan_metadata.json"
	executionLog  = "execution_log.jsonl"
	planFileName  = "plan.json"
	draftFileName = "project_plan.json"
	dirPrefix     = "plan_"
	// Sortable so Latest can order sessions by directory name alone.
	dirTimeFormat = "20060102_150405.000000000"
)

// ErrNoSessions is returned by Latest when the store holds no sessions.
var ErrNoSessions = errors.New("plan: no sessions")

// transitions lists the allowed lifecycle moves. Terminal states admit
// none.
var transitions = map[Status][]Status{
	StatusPlanning:  {StatusReady, StatusFailed},
	StatusReady:     {StatusExecuting, StatusFailed},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// NewStore constructs a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("plan: store root is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("plan: create store root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Create allocates a new session directory with empty workspace and frozen
// subtrees and status planning.
func (s *Store) Create(planningSessionID string) (*Session, error) {
	now := time.Now().UTC()
	dir := filepath.Join(s.root, dirPrefix+now.Format(dirTimeFormat))
	for _, sub := range []string{"workspace", "frozen"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("plan: create session layout: %w", err)
		}
	}
	sess := &Session{
		Dir:               dir,
		PlanningSessionID: planningSessionID,
		CreatedAt:         now,
		Status:            StatusPlanning,
	}
	if err := writeMetadata(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Finalize copies the planning agent's workspace into the session, promotes
// project_plan.json to plan.json, and freezes the result. Both copies are
// staged in temp directories and renamed into place, so a crash mid-way
// never leaves a half-written workspace or snapshot. On success the session
// is ready and frozen/ is never written again.
func (s *Store) Finalize(sess *Session, workspaceSource string) error {
	if sess.Status != StatusPlanning {
		return fmt.Errorf("plan: cannot finalize a session in status %s", sess.Status)
	}

	if err := stageTree(workspaceSource, filepath.Join(sess.Dir, "workspace")); err != nil {
		return fmt.Errorf("plan: stage workspace: %w", err)
	}
	draft := filepath.Join(sess.Dir, "workspace", draftFileName)
	if _, err := os.Stat(draft); err == nil {
		if err := os.Rename(draft, filepath.Join(sess.Dir, "workspace", planFileName)); err != nil {
			return fmt.Errorf("plan: promote draft plan: %w", err)
		}
	}
	if err := stageTree(filepath.Join(sess.Dir, "workspace"), filepath.Join(sess.Dir, "frozen")); err != nil {
		return fmt.Errorf("plan: freeze workspace: %w", err)
	}

	sess.Status = StatusReady
	return writeMetadata(sess)
}

// SetStatus applies a lifecycle transition and persists it.
func (s *Store) SetStatus(sess *Session, next Status) error {
	allowed := transitions[sess.Status]
	ok := false
	for _, a := range allowed {
		if a == next {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("plan: invalid transition %s → %s", sess.Status, next)
	}
	sess.Status = next
	return writeMetadata(sess)
}

// Diff compares workspace/plan.json against frozen/plan.json and reports
// drift. A task is modified when its id survives but any other field
// changed.
func (s *Store) Diff(sess *Session) (Diff, error) {
	frozen, err := readPlan(filepath.Join(sess.Dir, "frozen", planFileName))
	if err != nil {
		return Diff{}, err
	}
	live, err := readPlan(filepath.Join(sess.Dir, "workspace", planFileName))
	if err != nil {
		return Diff{}, err
	}

	frozenByID := make(map[string]Task, len(frozen))
	for _, t := range frozen {
		frozenByID[t.ID] = t
	}
	liveByID := make(map[string]Task, len(live))
	for _, t := range live {
		liveByID[t.ID] = t
	}

	d := Diff{TasksAdded: []string{}, TasksRemoved: []string{}, TasksModified: []string{}}
	for _, t := range live {
		old, ok := frozenByID[t.ID]
		switch {
		case !ok:
			d.TasksAdded = append(d.TasksAdded, t.ID)
		case !sameTask(old, t):
			d.TasksModified = append(d.TasksModified, t.ID)
		}
	}
	for _, t := range frozen {
		if _, ok := liveByID[t.ID]; !ok {
			d.TasksRemoved = append(d.TasksRemoved, t.ID)
		}
	}

	changed := float64(len(d.TasksAdded) + len(d.TasksRemoved) + len(d.TasksModified))
	switch {
	case len(frozen) > 0:
		d.DivergenceScore = min(changed/float64(len(frozen)), 1)
	case changed > 0:
		d.DivergenceScore = 1
	}
	return d, nil
}

// LogEvent appends one JSON record to the session's execution log.
func (s *Store) LogEvent(sess *Session, eventType string, data any) error {
	rec := logRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Data:      data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("plan: encode log event: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(sess.Dir, executionLog), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("plan: open execution log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("plan: append execution log: %w", err)
	}
	return nil
}

// Latest loads the most recent session, ordered by directory name.
func (s *Store) Latest() (*Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("plan: read store root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) > len(dirPrefix) && e.Name()[:len(dirPrefix)] == dirPrefix {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, ErrNoSessions
	}
	sort.Strings(names)
	return s.load(filepath.Join(s.root, names[len(names)-1]))
}

func (s *Store) load(dir string) (*Session, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("plan: read metadata: %w", err)
	}
	var md metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("plan: decode metadata: %w", err)
	}
	return &Session{
		Dir:               dir,
		PlanningSessionID: md.PlanningSessionID,
		CreatedAt:         md.CreatedAt,
		Status:            md.Status,
	}, nil
}

func writeMetadata(sess *Session) error {
	raw, err := json.MarshalIndent(metadata{
		PlanningSessionID: sess.PlanningSessionID,
		CreatedAt:         sess.CreatedAt,
		Status:            sess.Status,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("plan: encode metadata: %w", err)
	}
	return atomicWrite(filepath.Join(sess.Dir, metadataFile), raw)
}

// atomicWrite writes to a temp file in the target directory and renames it
// over the destination.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("plan: stage %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("plan: stage %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("plan: stage %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp.Name(), path)
}

// stageTree copies src into a temp sibling of dst and renames it into
// place, replacing whatever was there.
func stageTree(src, dst string) error {
	tmp, err := os.MkdirTemp(filepath.Dir(dst), "."+filepath.Base(dst)+"-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	if err := os.CopyFS(tmp, os.DirFS(src)); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func readPlan(path string) ([]Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	var pf planFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("plan: decode %s: %w", path, err)
	}
	return pf.Tasks, nil
}

func sameTask(a, b Task) bool {
	return a.Title == b.Title && a.Description == b.Description &&
		a.Status == b.Status && a.Priority == b.Priority
}
