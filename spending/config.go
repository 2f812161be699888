package spending

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/spendwatch/spending/internal/detect"
	fetchpkg "github.com/hazyhaar/spendwatch/spending/internal/fetch"
)

// Config configures the spending service.
type Config struct {
	// MaxConcurrency bounds how many councils refresh at once.
	MaxConcurrency int `yaml:"max_concurrency"`
	// CouncilTimeout bounds one council's fetch, normalize and write stages.
	CouncilTimeout time.Duration `yaml:"council_timeout"`
	// MaxFailCount consecutive fetch failures deactivate a source.
	MaxFailCount int `yaml:"max_fail_count"`
	// MaxRejectRate is the rejected-row ceiling above which a batch drifts.
	MaxRejectRate float64 `yaml:"max_reject_rate"`
	// SupplierMatchThreshold is the fuzzy merge similarity. 1.0 disables
	// fuzzy merging.
	SupplierMatchThreshold float64 `yaml:"supplier_match_threshold"`
	// RejectedRetention is how long rejected rows are kept. Zero keeps them.
	RejectedRetention time.Duration `yaml:"rejected_retention"`

	// Cross-council profile size.
	CrossTopSuppliers        int `yaml:"cross_top_suppliers"`
	CrossPaymentsPerSupplier int `yaml:"cross_payments_per_supplier"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Fetch     fetchpkg.Config `yaml:"fetch"`
	Detect    detect.Config   `yaml:"detect"`
}

// DiscoveryConfig configures the discovery agent.
type DiscoveryConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
	// CKAN enables the data.gov.uk package search catalog.
	CKAN         bool   `yaml:"ckan"`
	CKANURL      string `yaml:"ckan_url"`
	CKANQuery    string `yaml:"ckan_query"`
	CKANMaxPages int    `yaml:"ckan_max_pages"`
	// ProbeBytes is how much of a CSV is read to classify its header.
	ProbeBytes int64 `yaml:"probe_bytes"`
}

func (c *Config) defaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.CouncilTimeout <= 0 {
		c.CouncilTimeout = 5 * time.Minute
	}
	if c.MaxFailCount <= 0 {
		c.MaxFailCount = 5
	}
	if c.MaxRejectRate <= 0 {
		c.MaxRejectRate = 0.2
	}
	if c.SupplierMatchThreshold <= 0 {
		c.SupplierMatchThreshold = 0.92
	}
	if c.CrossTopSuppliers <= 0 {
		c.CrossTopSuppliers = 5
	}
	if c.CrossPaymentsPerSupplier <= 0 {
		c.CrossPaymentsPerSupplier = 20
	}
	if c.Discovery.MinConfidence <= 0 {
		c.Discovery.MinConfidence = 0.6
	}
	if c.Discovery.ProbeBytes <= 0 {
		c.Discovery.ProbeBytes = 64 << 10
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "spendwatch/1.0"
	}
	c.Detect.Defaults()
}

func defaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// LoadConfig reads a YAML config file. Missing fields take defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.MaxRejectRate > 1 {
		return nil, fmt.Errorf("%w: max_reject_rate must be <= 1", ErrValidation)
	}
	if c.SupplierMatchThreshold > 1 {
		return nil, fmt.Errorf("%w: supplier_match_threshold must be <= 1", ErrValidation)
	}
	c.defaults()
	return &c, nil
}
