package spending

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/spendwatch/kit"
)

// RegisterMCP registers all spending tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerListCouncils(srv)
	svc.registerAddSource(srv)
	svc.registerListSources(srv)
	svc.registerRefresh(srv)
	svc.registerQueryPayments(srv)
	svc.registerAggregate(srv)
	svc.registerAnomalies(srv)
	svc.registerGetAnomaly(srv)
	svc.registerReviewAnomaly(srv)
	svc.registerSuppliers(srv)
	svc.registerRefreshRuns(srv)
	svc.registerSubmitFeedback(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

// registerTool wires fn behind the logging middleware and argument decoding.
func registerTool[T any](svc *Service, srv *mcp.Server, tool *mcp.Tool, timeout time.Duration, fn func(ctx context.Context, p *T) (any, error)) {
	endpoint := kit.Chain(
		kit.Logging(svc.logger, tool.Name),
		kit.Timeout(timeout),
	)(func(ctx context.Context, r any) (any, error) {
		return fn(ctx, r.(*T))
	})
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeArgs[T])
}

// --- Registry ---

func (svc *Service) registerListCouncils(srv *mcp.Server) {
	type req struct {
		ActiveOnly bool `json:"active_only"`
	}
	tool := &mcp.Tool{
		Name:        "spending_list_councils",
		Description: "List councils with their source counts and last refresh time",
		InputSchema: inputSchema(map[string]any{
			"active_only": prop("boolean", "Only active councils"),
		}, nil),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		return svc.ListCouncils(ctx, p.ActiveOnly)
	})
}

func (svc *Service) registerAddSource(srv *mcp.Server) {
	type req struct {
		CouncilID string `json:"council_id"`
		Council   string `json:"council"`
		Region    string `json:"region"`
		Endpoint  string `json:"endpoint"`
		Format    string `json:"format"`
		Hints     string `json:"hints"`
	}
	tool := &mcp.Tool{
		Name:        "spending_add_source",
		Description: "Register a payment disclosure endpoint for a council. Give council_id, or council (name) to create the council if needed",
		InputSchema: inputSchema(map[string]any{
			"council_id": prop("string", "Existing council ID"),
			"council":    prop("string", "Council name, used when council_id is empty"),
			"region":     prop("string", "Region for a new council"),
			"endpoint":   prop("string", "http(s) URL of the disclosure file"),
			"format":     prop("string", "csv, xlsx, xls or json"),
			"hints":      prop("string", `Column hints JSON, e.g. {"amount":"Net Amount"}`),
		}, []string{"endpoint", "format"}),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		councilID := p.CouncilID
		if councilID == "" && p.Council != "" {
			c := &Council{Name: p.Council, Region: p.Region}
			if err := svc.UpsertCouncil(ctx, c); err != nil {
				return nil, err
			}
			councilID = c.ID
		}
		src := &Source{CouncilID: councilID, Endpoint: p.Endpoint, Format: p.Format, HintsJSON: p.Hints}
		created, err := svc.UpsertSource(ctx, src)
		if err != nil {
			return nil, err
		}
		return map[string]any{"source": src, "created": created}, nil
	})
}

func (svc *Service) registerListSources(srv *mcp.Server) {
	type req struct {
		ActiveOnly bool `json:"active_only"`
	}
	tool := &mcp.Tool{
		Name:        "spending_list_sources",
		Description: "List registered sources with their fetch health",
		InputSchema: inputSchema(map[string]any{
			"active_only": prop("boolean", "Only active sources"),
		}, nil),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		return svc.ListSources(ctx, p.ActiveOnly)
	})
}

func (svc *Service) registerRefresh(srv *mcp.Server) {
	type req struct {
		Councils []string `json:"councils"`
	}
	tool := &mcp.Tool{
		Name:        "spending_refresh",
		Description: "Run a refresh now: discover, fetch, normalize and score. Optionally limited to councils (ids or names)",
		InputSchema: inputSchema(map[string]any{
			"councils": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Council ids or names"},
		}, nil),
	}
	registerTool(svc, srv, tool, 0, func(ctx context.Context, p *req) (any, error) {
		return svc.RunRefresh(ctx, p.Councils)
	})
}

// --- Queries ---

func (svc *Service) registerQueryPayments(srv *mcp.Server) {
	type req struct {
		CouncilID  string `json:"council_id"`
		SupplierID string `json:"supplier_id"`
		ProjectRef string `json:"project_ref"`
		From       string `json:"from"`
		To         string `json:"to"`
		Limit      int    `json:"limit"`
		Offset     int    `json:"offset"`
	}
	tool := &mcp.Tool{
		Name:        "spending_query_payments",
		Description: "Query normalized payments, newest first",
		InputSchema: inputSchema(map[string]any{
			"council_id":  prop("string", "Council ID"),
			"supplier_id": prop("string", "Supplier ID"),
			"project_ref": prop("string", "Project reference"),
			"from":        prop("string", "First date, YYYY-MM-DD"),
			"to":          prop("string", "Last date, YYYY-MM-DD"),
			"limit":       prop("integer", "Page size (default 50, max 500)"),
			"offset":      prop("integer", "Page offset"),
		}, nil),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		return svc.QueryPayments(ctx, PaymentFilter{
			CouncilID: p.CouncilID, SupplierID: p.SupplierID, ProjectRef: p.ProjectRef,
			From: p.From, To: p.To, Limit: p.Limit, Offset: p.Offset,
		})
	})
}

func (svc *Service) registerAggregate(srv *mcp.Server) {
	type req struct {
		GroupBy   string `json:"group_by"`
		CouncilID string `json:"council_id"`
		From      string `json:"from"`
		To        string `json:"to"`
		Limit     int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "spending_aggregate",
		Description: "Sum net spend grouped by council, supplier or month",
		InputSchema: inputSchema(map[string]any{
			"group_by":   prop("string", "council, supplier or month"),
			"council_id": prop("string", "Council ID"),
			"from":       prop("string", "First date, YYYY-MM-DD"),
			"to":         prop("string", "Last date, YYYY-MM-DD"),
			"limit":      prop("integer", "Maximum groups"),
		}, nil),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		return svc.SpendAggregate(ctx, AggregateFilter{
			GroupBy: p.GroupBy, CouncilID: p.CouncilID, From: p.From, To: p.To, Limit: p.Limit,
		})
	})
}

func (svc *Service) registerAnomalies(srv *mcp.Server) {
	type req struct {
		CouncilID   string  `json:"council_id"`
		SupplierID  string  `json:"supplier_id"`
		Detector    string  `json:"detector"`
		MinSeverity float64 `json:"min_severity"`
		Status      string  `json:"status"`
		Limit       int     `json:"limit"`
		Offset      int     `json:"offset"`
	}
	tool := &mcp.Tool{
		Name:        "spending_anomalies",
		Description: "List anomalies by severity descending, then latest payment date",
		InputSchema: inputSchema(map[string]any{
			"council_id":   prop("string", "Council ID"),
			"supplier_id":  prop("string", "Supplier ID"),
			"detector":     prop("string", "Detector name, e.g. threshold_splitting"),
			"min_severity": prop("number", "Minimum severity in [0,1]"),
			"status":       prop("string", "open (default), reviewed, dismissed or all"),
			"limit":        prop("integer", "Page size"),
			"offset":       prop("integer", "Page offset"),
		}, nil),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		return svc.QueryAnomalies(ctx, AnomalyFilter{
			CouncilID: p.CouncilID, SupplierID: p.SupplierID, Detector: p.Detector,
			MinSeverity: p.MinSeverity, Status: p.Status, Limit: p.Limit, Offset: p.Offset,
		})
	})
}

func (svc *Service) registerGetAnomaly(srv *mcp.Server) {
	type req struct {
		ID string `json:"id"`
	}
	tool := &mcp.Tool{
		Name:        "spending_get_anomaly",
		Description: "Get one anomaly with its rationale and payment ids",
		InputSchema: inputSchema(map[string]any{
			"id": prop("string", "Anomaly ID"),
		}, []string{"id"}),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		return svc.GetAnomaly(ctx, p.ID)
	})
}

func (svc *Service) registerReviewAnomaly(srv *mcp.Server) {
	type req struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	tool := &mcp.Tool{
		Name:        "spending_review_anomaly",
		Description: "Mark an anomaly reviewed or dismissed. Manual decisions survive later refreshes",
		InputSchema: inputSchema(map[string]any{
			"id":     prop("string", "Anomaly ID"),
			"status": prop("string", "reviewed, dismissed or open"),
		}, []string{"id", "status"}),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		if err := svc.SetAnomalyStatus(ctx, p.ID, p.Status); err != nil {
			return nil, err
		}
		return svc.GetAnomaly(ctx, p.ID)
	})
}

func (svc *Service) registerSuppliers(srv *mcp.Server) {
	type req struct {
		Name   string `json:"name"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	tool := &mcp.Tool{
		Name:        "spending_suppliers",
		Description: "List suppliers by total spend, optionally filtered by name",
		InputSchema: inputSchema(map[string]any{
			"name":   prop("string", "Substring of the supplier name"),
			"limit":  prop("integer", "Page size"),
			"offset": prop("integer", "Page offset"),
		}, nil),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		return svc.ListSuppliers(ctx, SupplierFilter{Name: p.Name, Limit: p.Limit, Offset: p.Offset})
	})
}

func (svc *Service) registerRefreshRuns(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "spending_refresh_runs",
		Description: "Recent refresh reports, newest first",
		InputSchema: inputSchema(map[string]any{
			"limit": prop("integer", "Maximum reports (default 20)"),
		}, nil),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		return svc.RefreshRuns(ctx, p.Limit)
	})
}

// --- Feedback ---

func (svc *Service) registerSubmitFeedback(srv *mcp.Server) {
	type req struct {
		ProjectRef string `json:"project_ref"`
		Text       string `json:"text"`
	}
	tool := &mcp.Tool{
		Name:        "spending_submit_feedback",
		Description: "Submit feedback about a project. The project reference must appear on at least one payment",
		InputSchema: inputSchema(map[string]any{
			"project_ref": prop("string", "Project reference"),
			"text":        prop("string", "Feedback text (max 4000 characters, HTML is stripped)"),
		}, []string{"project_ref", "text"}),
	}
	registerTool(svc, srv, tool, 30*time.Second, func(ctx context.Context, p *req) (any, error) {
		id, err := svc.SubmitFeedback(ctx, p.ProjectRef, p.Text)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	})
}
