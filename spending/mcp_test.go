package spending

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "spendwatch-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_Tools(t *testing.T) {
	// WHAT: Every spending tool is listed.
	// WHY: Agents discover capabilities through tools/list.
	f := newFixture(t)
	session := mcpSession(t, f.svc)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"spending_list_councils", "spending_add_source", "spending_list_sources", "spending_refresh",
		"spending_query_payments", "spending_aggregate", "spending_anomalies", "spending_get_anomaly",
		"spending_review_anomaly", "spending_suppliers", "spending_refresh_runs", "spending_submit_feedback",
	} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestMCP_AddRefreshQuery(t *testing.T) {
	// WHAT: A source added over MCP is refreshed and queried over MCP.
	// WHY: The MCP surface is a full client of the pipeline.
	f := newFixture(t)
	f.set("/m.csv", spendCSV())
	session := mcpSession(t, f.svc)

	text, isErr := mcpCall(t, session, "spending_add_source", map[string]any{
		"council":  "Mcp Borough Council",
		"endpoint": f.srv.URL + "/m.csv",
		"format":   "csv",
	})
	if isErr {
		t.Fatalf("add source: %s", text)
	}
	var added struct {
		Created bool    `json:"created"`
		Source  *Source `json:"source"`
	}
	if err := json.Unmarshal([]byte(text), &added); err != nil {
		t.Fatal(err)
	}
	if !added.Created || added.Source.CouncilID == "" {
		t.Fatalf("added: %s", text)
	}

	text, isErr = mcpCall(t, session, "spending_refresh", map[string]any{})
	if isErr {
		t.Fatalf("refresh: %s", text)
	}
	var rep RefreshReport
	json.Unmarshal([]byte(text), &rep)
	if rep.Succeeded != 1 || rep.Inserted != 24 {
		t.Errorf("report: %s", text)
	}

	text, _ = mcpCall(t, session, "spending_anomalies", map[string]any{"detector": "threshold_splitting"})
	var page AnomalyPage
	json.Unmarshal([]byte(text), &page)
	if page.Total != 1 {
		t.Fatalf("anomalies: %s", text)
	}

	text, isErr = mcpCall(t, session, "spending_review_anomaly", map[string]any{"id": page.Anomalies[0].ID, "status": "reviewed"})
	if isErr || !strings.Contains(text, `"status":"reviewed"`) {
		t.Errorf("review: %s", text)
	}

	text, isErr = mcpCall(t, session, "spending_add_source", map[string]any{
		"council_id": added.Source.CouncilID,
		"endpoint":   "ftp://example.org/a.csv",
		"format":     "csv",
	})
	if !isErr || !strings.Contains(text, "validation") {
		t.Errorf("ftp source accepted: %s", text)
	}
}
