package insights

// ScoreWeights configure the explainable privacy score.
type ScoreWeights struct {
	CrossSitePer    int     `yaml:"cross_site_per"`
	CrossSiteCap    int     `yaml:"cross_site_cap"`
	FingerprintPer  int     `yaml:"fingerprint_per"`
	FingerprintCap  int     `yaml:"fingerprint_cap"`
	TrackerFloor    int     `yaml:"tracker_floor"`
	TrackerPer      int     `yaml:"tracker_per"`
	TrackerCap      int     `yaml:"tracker_cap"`
	HighRiskAt      int     `yaml:"high_risk_at"`
	HighRiskPer     int     `yaml:"high_risk_per"`
	HighRiskCap     int     `yaml:"high_risk_cap"`
	BlockedBonusMax float64 `yaml:"blocked_bonus_max"`
}

// Config holds the insights parameters.
type Config struct {
	MaxRecommendations int          `yaml:"max_recommendations"`
	CompanyThreshold   int          `yaml:"company_threshold"`
	NudgeBelow         int          `yaml:"nudge_below"`
	Score              ScoreWeights `yaml:"score"`
}

// DefaultConfig returns the built-in parameters.
func DefaultConfig() *Config {
	return &Config{
		MaxRecommendations: 5,
		CompanyThreshold:   5,
		NudgeBelow:         70,
		Score: ScoreWeights{
			CrossSitePer:    5,
			CrossSiteCap:    30,
			FingerprintPer:  8,
			FingerprintCap:  24,
			TrackerFloor:    5,
			TrackerPer:      1,
			TrackerCap:      20,
			HighRiskAt:      70,
			HighRiskPer:     3,
			HighRiskCap:     15,
			BlockedBonusMax: 10,
		},
	}
}
