package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/spendwatch/spending/internal/fetch"
)

func testClient() *fetch.Fetcher {
	return fetch.New(fetch.Config{
		URLValidator: func(string) error { return nil },
		BaseBackoff:  time.Millisecond,
		HostRate:     1000,
		HostBurst:    100,
	})
}

const spendCSV = "Date,Supplier Name,Amount,Description\n01/04/2024,Acme Ltd,100.00,Stationery\n"

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/files/spend-over-500-april.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(spendCSV))
	})
	mux.HandleFunc("/files/minutes.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Meeting,Attendees\nCabinet,12\n"))
	})
	mux.HandleFunc("/files/data.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Payee,Value\nAcme,1\n"))
	})
	mux.HandleFunc("/api/3/action/package_search", func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start")
		resp := map[string]any{"success": true, "result": map[string]any{"count": 2, "results": []any{}}}
		if start == "0" {
			resp["result"] = map[string]any{
				"count": 2,
				"results": []any{
					map[string]any{
						"title":        "Payments to suppliers",
						"organization": map[string]any{"title": "Worthing Borough Council"},
						"resources": []any{
							map[string]any{"name": "April", "url": srv.URL + "/files/spend-over-500-april.csv", "format": "CSV"},
							map[string]any{"name": "Minutes", "url": srv.URL + "/files/minutes.csv", "format": "CSV"},
						},
					},
					map[string]any{
						"title":        "Payments to suppliers",
						"organization": map[string]any{"title": "Acme Housing Trust"},
						"resources": []any{
							map[string]any{"url": srv.URL + "/files/spend-over-500-april.csv", "format": "CSV"},
						},
					},
				},
			}
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/transparency", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><ul>
<li><a href="/files/spend-over-500-april.csv">Spend over £500 <b>April</b></a></li>
<li><a href="files/data.csv">Data</a></li>
<li><a href="/about">About</a></li>
</ul></body></html>`)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCKANCatalog_Pages(t *testing.T) {
	// WHAT: package_search results become one entry per resource.
	srv := testServer(t)
	cat := &CKANCatalog{Client: testClient(), BaseURL: srv.URL + "/api/3/action/package_search", Rows: 1}
	entries, err := cat.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Publisher != "Worthing Borough Council" || entries[0].Format != "CSV" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestDirectoryCatalog_Links(t *testing.T) {
	// WHAT: only data-file links are listed, resolved against the page.
	srv := testServer(t)
	cat := &DirectoryCatalog{Client: testClient(), Publisher: "Blaby District Council", PageURL: srv.URL + "/transparency"}
	entries, err := cat.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Title != "Spend over £500 April" || !strings.HasPrefix(entries[1].URL, srv.URL+"/files/data.csv") {
		t.Errorf("entries = %+v", entries)
	}
}

func TestAgent_Discover(t *testing.T) {
	// WHAT: council files scoring ≥ 0.6 are proposed, best first, with hints.
	// WHY: non-council publishers and non-spend files must not reach the registry.
	srv := testServer(t)
	client := testClient()
	agent := NewAgent(client, []Catalog{
		&CKANCatalog{Client: client, BaseURL: srv.URL + "/api/3/action/package_search"},
		&DirectoryCatalog{Client: client, Publisher: "Blaby District Council", PageURL: srv.URL + "/transparency"},
	})
	got, err := agent.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %+v", got)
	}
	top := got[0]
	if top.Confidence != 1 || !strings.HasSuffix(top.URL, "spend-over-500-april.csv") {
		t.Errorf("top = %+v", top)
	}
	var hints map[string]string
	if err := json.Unmarshal([]byte(top.HintsJSON), &hints); err != nil || hints["supplier"] != "Supplier Name" {
		t.Errorf("hints = %s (%v)", top.HintsJSON, err)
	}
	// data.csv: format + supplier + amount = 3/5.
	if got[1].Confidence != 0.6 || got[1].Council != "Blaby District Council" {
		t.Errorf("second = %+v", got[1])
	}
	for _, c := range got {
		if strings.Contains(c.URL, "minutes") {
			t.Errorf("minutes proposed: %+v", c)
		}
	}
}

func TestAgent_CatalogFailureIsolated(t *testing.T) {
	srv := testServer(t)
	client := testClient()
	agent := NewAgent(client, []Catalog{
		&DirectoryCatalog{Client: client, Publisher: "York City Council", PageURL: srv.URL + "/missing"},
		&StaticCatalog{Label: "seed", List: []Entry{{Publisher: "Stockton-on-Tees Borough Council", URL: srv.URL + "/files/spend-over-500-april.csv"}}},
	})
	got, err := agent.Discover(context.Background())
	if err == nil {
		t.Error("want joined catalog error")
	}
	if len(got) != 1 || got[0].Catalog != "seed" {
		t.Fatalf("candidates = %+v", got)
	}
}

func TestScore(t *testing.T) {
	e := Entry{Publisher: "East Hampshire District Council", Title: "Expenditure", URL: "https://x.gov.uk/a.json"}
	c := Score(e, DetectFormat(e), []string{"Date", "Amount"})
	if c.Confidence != 0.8 || c.Format != "json" {
		t.Errorf("candidate = %+v", c)
	}
	if c := Score(Entry{URL: "https://x/y"}, "", nil); c.Confidence != 0 || c.HintsJSON != "{}" {
		t.Errorf("empty = %+v", c)
	}
}

func TestIsCouncil(t *testing.T) {
	for name, want := range map[string]bool{
		"Worthing Borough Council": true,
		"City of York Council":     true,
		"Durham County Council":    true,
		"Greater London Authority": true,
		"Environment Agency":       false,
		"Acme Housing Trust":       false,
	} {
		if IsCouncil(name) != want {
			t.Errorf("IsCouncil(%q) != %v", name, want)
		}
	}
}
