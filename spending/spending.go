// Package spending ingests UK council payment disclosures, normalizes them
// into one schema and flags payments that look like waste, duplication or
// procurement-threshold gaming.
//
// A Service owns one SQLite database. RunRefresh discovers new sources,
// fetches and normalizes every council in parallel, commits one batch per
// council and then runs the cross-council pass. Query methods read the
// committed state.
package spending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/spendwatch/feedback"
	"github.com/hazyhaar/spendwatch/horosafe"
	"github.com/hazyhaar/spendwatch/idgen"
	"github.com/hazyhaar/spendwatch/spending/catalog"
	"github.com/hazyhaar/spendwatch/spending/internal/detect"
	"github.com/hazyhaar/spendwatch/spending/internal/discover"
	"github.com/hazyhaar/spendwatch/spending/internal/fetch"
	"github.com/hazyhaar/spendwatch/spending/internal/metrics"
	"github.com/hazyhaar/spendwatch/spending/internal/store"
)

// Service is the spending pipeline and query facade.
type Service struct {
	store        *store.Store
	fetcher      *fetch.Fetcher
	engine       *detect.Engine
	agent        *discover.Agent
	feedback     *feedback.Widget
	metrics      *metrics.Metrics
	logger       *slog.Logger
	config       *Config
	catalogs     []discover.Catalog
	seed         *catalog.Catalog
	newID        func() string
	urlValidator func(string) error // default: horosafe.ValidateURL
	now          func() time.Time
}

// New creates a Service on an opened database. The schema must already be
// applied (dbopen.WithMigrate(spending.ApplySchema)).
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if db == nil {
		return nil, errors.New("spending: db is required")
	}
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		store:        store.NewStore(db),
		logger:       logger,
		config:       cfg,
		newID:        idgen.For(idgen.PrefixRun),
		urlValidator: horosafe.ValidateURL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}

	fc := cfg.Fetch
	fc.URLValidator = svc.urlValidator
	fc.Logger = logger
	if svc.metrics != nil {
		fc.Observe = svc.metrics.ObserveFetch
	}
	svc.fetcher = fetch.New(fc)
	svc.engine = detect.NewEngine(cfg.Detect, logger)

	if cfg.Discovery.CKAN {
		svc.catalogs = append(svc.catalogs, &discover.CKANCatalog{
			Client:   svc.fetcher,
			BaseURL:  cfg.Discovery.CKANURL,
			Query:    cfg.Discovery.CKANQuery,
			MaxPages: cfg.Discovery.CKANMaxPages,
		})
	}
	if svc.seed != nil {
		svc.catalogs = append(svc.catalogs, svc.seed.Directories(svc.fetcher)...)
	}
	svc.agent = discover.NewAgent(svc.fetcher, svc.catalogs,
		discover.WithLogger(logger),
		discover.WithMinConfidence(cfg.Discovery.MinConfidence),
		discover.WithProbeBytes(cfg.Discovery.ProbeBytes, 8<<20),
	)

	fb, err := feedback.New(feedback.Config{DB: db, Projects: svc.store.ProjectExists})
	if err != nil {
		return nil, fmt.Errorf("spending: %w", err)
	}
	svc.feedback = fb

	return svc, nil
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithURLValidator overrides the URL validator used at registration and on
// every fetch (default: horosafe.ValidateURL). Useful for tests with
// httptest servers.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(svc *Service) { svc.urlValidator = fn }
}

// WithMetrics records refresh and fetch metrics on m.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(svc *Service) { svc.metrics = m }
}

// WithCatalogs adds discovery catalogs.
func WithCatalogs(cats ...Catalog) ServiceOption {
	return func(svc *Service) { svc.catalogs = append(svc.catalogs, cats...) }
}

// WithSeedCatalog crawls the seed catalog's directory pages during discovery.
// Registering its sources is a separate step (Seed).
func WithSeedCatalog(c *catalog.Catalog) ServiceOption {
	return func(svc *Service) { svc.seed = c }
}

// WithClock overrides the clock used for refresh timestamps and date bounds.
func WithClock(now func() time.Time) ServiceOption {
	return func(svc *Service) { svc.now = now }
}

// WithIDs overrides ID generation for every stored entity.
func WithIDs(fn func(prefix string) string) ServiceOption {
	return func(svc *Service) {
		svc.store = store.NewStore(svc.store.DB, store.WithIDs(fn))
		svc.newID = func() string { return fn(idgen.PrefixRun) }
	}
}

// FeedbackHandler returns the HTTP handler for POST/GET feedback.
func (s *Service) FeedbackHandler() http.Handler {
	return s.feedback.Handler()
}

// Seed registers the councils and sources of c with origin "catalog".
// Returns the number of sources registered.
func (s *Service) Seed(ctx context.Context, c *catalog.Catalog) (int, error) {
	addCouncil := func(ctx context.Context, name, region string) (string, error) {
		council := &Council{Name: name, Region: region}
		if err := s.UpsertCouncil(ctx, council); err != nil {
			return "", err
		}
		return council.ID, nil
	}
	addSource := func(ctx context.Context, in *catalog.SourceInput) error {
		_, err := s.UpsertSource(ctx, &Source{
			CouncilID: in.CouncilID,
			Endpoint:  in.Endpoint,
			Format:    in.Format,
			HintsJSON: in.HintsJSON,
			Origin:    OriginCatalog,
		})
		return err
	}
	n, err := c.Populate(ctx, addCouncil, addSource)
	s.logger.Info("spending: catalog seeded", "sources", n, "error", err)
	return n, err
}
