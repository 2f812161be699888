package detect

import "time"

// Config holds detector thresholds. Zero values take the defaults.
type Config struct {
	RoundUnitPence     int64   `yaml:"round_unit_pence"`
	RoundMinPayments   int     `yaml:"round_min_payments"`
	RoundZ             float64 `yaml:"round_z"`
	RoundBaselineFloor float64 `yaml:"round_baseline_floor"`

	ApprovalThresholdsPence []int64 `yaml:"approval_thresholds_pence"`
	NearBand                float64 `yaml:"near_band"`
	SplitWindowDays         int     `yaml:"split_window_days"`

	DuplicateWindowDays int `yaml:"duplicate_window_days"`

	LargePaymentPence int64 `yaml:"large_payment_pence"`

	MaxPaymentsPerMonth int `yaml:"max_payments_per_month"`

	PeerSizeBand          float64 `yaml:"peer_size_band"`
	ConcentrationZ        float64 `yaml:"concentration_z"`
	MinConcentrationShare float64 `yaml:"min_concentration_share"`
	MinPeers              int     `yaml:"min_peers"`
	MADFloor              float64 `yaml:"mad_floor"`

	DetectorTimeout time.Duration `yaml:"detector_timeout"`
	// Disabled lists detector names to skip.
	Disabled []string `yaml:"disabled"`
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.RoundUnitPence <= 0 {
		c.RoundUnitPence = 100_000
	}
	if c.RoundMinPayments <= 0 {
		c.RoundMinPayments = 10
	}
	if c.RoundZ <= 0 {
		c.RoundZ = 3.0
	}
	if c.RoundBaselineFloor <= 0 {
		c.RoundBaselineFloor = 0.01
	}
	if len(c.ApprovalThresholdsPence) == 0 {
		c.ApprovalThresholdsPence = []int64{500_000, 1_000_000, 2_500_000, 10_000_000}
	}
	if c.NearBand <= 0 {
		c.NearBand = 0.1
	}
	if c.SplitWindowDays <= 0 {
		c.SplitWindowDays = 14
	}
	if c.DuplicateWindowDays <= 0 {
		c.DuplicateWindowDays = 7
	}
	if c.LargePaymentPence <= 0 {
		c.LargePaymentPence = 10_000_000
	}
	if c.MaxPaymentsPerMonth <= 0 {
		c.MaxPaymentsPerMonth = 5
	}
	if c.PeerSizeBand <= 1 {
		c.PeerSizeBand = 3
	}
	if c.ConcentrationZ <= 0 {
		c.ConcentrationZ = 3.5
	}
	if c.MinConcentrationShare <= 0 {
		c.MinConcentrationShare = 0.25
	}
	if c.MinPeers <= 0 {
		c.MinPeers = 3
	}
	if c.MADFloor <= 0 {
		c.MADFloor = 0.01
	}
	if c.DetectorTimeout <= 0 {
		c.DetectorTimeout = 30 * time.Second
	}
}
