// Package feedback is the write-only feedback channel for spending projects.
// A presentation layer posts free text against a project reference; the text
// is stored sanitized and is never interpreted here.
package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/spendwatch/dbopen"
	"github.com/hazyhaar/spendwatch/idgen"
)

// MaxTextLen is the maximum feedback length in characters, after sanitizing.
const MaxTextLen = 4000

var (
	ErrUnknownProject = errors.New("feedback: unknown project reference")
	ErrInvalidText    = errors.New("feedback: invalid text")
)

// ProjectChecker reports whether projectRef names at least one payment grouping.
type ProjectChecker func(ctx context.Context, projectRef string) (bool, error)

// Config holds the settings needed to create a Widget.
type Config struct {
	DB       *sql.DB
	Projects ProjectChecker
	NewID    idgen.Generator // nil = idgen.For(idgen.PrefixFeedback)
}

// Entry is one stored feedback item.
type Entry struct {
	ID          string `json:"id"`
	ProjectRef  string `json:"project_ref"`
	Text        string `json:"text"`
	SubmittedAt int64  `json:"submitted_at"`
}

// Widget validates, sanitizes and persists feedback.
type Widget struct {
	db       *sql.DB
	projects ProjectChecker
	newID    idgen.Generator
	policy   *bluemonday.Policy
}

// Schema is applied by New; the spending store also applies it so the table
// exists in a freshly migrated database.
const Schema = `
CREATE TABLE IF NOT EXISTS feedback (
    id           TEXT PRIMARY KEY,
    project_ref  TEXT NOT NULL,
    text         TEXT NOT NULL,
    submitted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_project ON feedback(project_ref, submitted_at DESC);
`

// New creates a Widget and applies the database schema.
func New(cfg Config) (*Widget, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("feedback: DB is required")
	}
	if cfg.Projects == nil {
		return nil, fmt.Errorf("feedback: project checker is required")
	}
	if err := ApplySchema(cfg.DB); err != nil {
		return nil, err
	}
	gen := cfg.NewID
	if gen == nil {
		gen = idgen.For(idgen.PrefixFeedback)
	}
	return &Widget{
		db:       cfg.DB,
		projects: cfg.Projects,
		newID:    gen,
		policy:   bluemonday.StrictPolicy(),
	}, nil
}

// ApplySchema creates the feedback table if missing.
func ApplySchema(db *sql.DB) error {
	for _, stmt := range strings.Split(Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("feedback schema: %w", err)
		}
	}
	return nil
}

// Submit stores text against projectRef and returns the new feedback id.
func (w *Widget) Submit(ctx context.Context, projectRef, text string) (string, error) {
	projectRef = strings.TrimSpace(projectRef)
	if projectRef == "" {
		return "", fmt.Errorf("%w: empty", ErrUnknownProject)
	}
	ok, err := w.projects(ctx, projectRef)
	if err != nil {
		return "", fmt.Errorf("feedback: check project: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProject, projectRef)
	}

	clean := strings.TrimSpace(w.policy.Sanitize(text))
	if clean == "" {
		return "", fmt.Errorf("%w: text is required", ErrInvalidText)
	}
	if utf8.RuneCountInString(clean) > MaxTextLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidText, MaxTextLen)
	}

	id := w.newID()
	// Submissions arrive from HTTP while a refresh batch may hold the write lock.
	_, err = dbopen.Exec(ctx, w.db,
		`INSERT INTO feedback (id, project_ref, text, submitted_at) VALUES (?, ?, ?, ?)`,
		id, projectRef, clean, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("feedback: insert: %w", err)
	}
	return id, nil
}

// List returns feedback for a project, newest first.
func (w *Widget) List(ctx context.Context, projectRef string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := w.db.QueryContext(ctx,
		`SELECT id, project_ref, text, submitted_at FROM feedback
		 WHERE project_ref = ? ORDER BY submitted_at DESC LIMIT ?`,
		projectRef, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("feedback: list: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ProjectRef, &e.Text, &e.SubmittedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
