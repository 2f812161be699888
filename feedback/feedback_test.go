package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/spendwatch/dbopen"
)

func knownProjects(refs ...string) ProjectChecker {
	return func(_ context.Context, ref string) (bool, error) {
		for _, r := range refs {
			if r == ref {
				return true, nil
			}
		}
		return false, nil
	}
}

func newTestWidget(t *testing.T) *Widget {
	t.Helper()
	w, err := New(Config{DB: dbopen.OpenMemory(t), Projects: knownProjects("PRJ-001")})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestNew_RequiresDBAndChecker(t *testing.T) {
	if _, err := New(Config{Projects: knownProjects()}); err == nil {
		t.Fatal("expected error for nil DB")
	}
	if _, err := New(Config{DB: dbopen.OpenMemory(t)}); err == nil {
		t.Fatal("expected error for nil project checker")
	}
}

func TestSubmit_UnknownProject(t *testing.T) {
	// WHAT: feedback against a project ref no payment carries is rejected.
	// WHY: feedback must attach to a known project grouping.
	w := newTestWidget(t)
	_, err := w.Submit(context.Background(), "PRJ-404", "where did this money go?")
	if !errors.Is(err, ErrUnknownProject) {
		t.Fatalf("err = %v, want ErrUnknownProject", err)
	}
}

func TestSubmit_SanitizesAndStores(t *testing.T) {
	w := newTestWidget(t)
	ctx := context.Background()

	id, err := w.Submit(ctx, "PRJ-001", `<script>alert(1)</script>Road resurfacing <b>late</b>`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "fbk_") {
		t.Fatalf("id = %q", id)
	}

	entries, err := w.List(ctx, "PRJ-001", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if strings.Contains(entries[0].Text, "<") {
		t.Fatalf("text not sanitized: %q", entries[0].Text)
	}
	if !strings.Contains(entries[0].Text, "Road resurfacing") {
		t.Fatalf("text lost: %q", entries[0].Text)
	}
}

func TestSubmit_TextBounds(t *testing.T) {
	w := newTestWidget(t)
	ctx := context.Background()
	if _, err := w.Submit(ctx, "PRJ-001", "   "); !errors.Is(err, ErrInvalidText) {
		t.Fatalf("empty: err = %v", err)
	}
	if _, err := w.Submit(ctx, "PRJ-001", strings.Repeat("x", MaxTextLen+1)); !errors.Is(err, ErrInvalidText) {
		t.Fatalf("too long: err = %v", err)
	}
}

func TestHandler_SubmitAndList(t *testing.T) {
	w := newTestWidget(t)
	h := w.Handler()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"project_ref":"PRJ-001","text":"hello"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: status %d body %s", rec.Code, rec.Body)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"project_ref":"nope","text":"hello"}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown project: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?project_ref=PRJ-001", nil))
	var entries []Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Text != "hello" {
		t.Fatalf("entries = %+v", entries)
	}
}
