package webguard

// ScoreInput carries every signal the scoring engine combines. Multipliers
// left at zero are treated as absent and defaulted to 1.0, so a request
// with no history still gets a defensible score from content alone.
type ScoreInput struct {
	Confidence           float64
	FrequencyMultiplier  float64
	ComplexityMultiplier float64
	ReputationMultiplier float64
	TypeWeight           float64
}

// Score combines detector confidence with the contextual multipliers into
// the unified 0-100 risk score:
//
//	risk = clamp(confidence*100 * frequency * complexity * reputation * typeWeight, 0, 100)
//
// Pure function of its input; identical tuples produce bit-identical
// assessments.
func Score(in ScoreInput) RiskAssessment {
	confidence := clamp(in.Confidence, 0, 1)
	freq := defaultMultiplier(in.FrequencyMultiplier)
	complexity := defaultMultiplier(in.ComplexityMultiplier)
	reputation := defaultMultiplier(in.ReputationMultiplier)
	weight := defaultMultiplier(in.TypeWeight)

	raw := confidence * 100 * freq * complexity * reputation * weight
	return RiskAssessment{
		BaseConfidence:       confidence,
		FrequencyMultiplier:  freq,
		ComplexityMultiplier: complexity,
		ReputationMultiplier: reputation,
		TypeWeight:           weight,
		Score:                clamp(raw, 0, 100),
	}
}

func defaultMultiplier(v float64) float64 {
	if v <= 0 {
		return 1.0
	}
	return v
}

// SeverityFor buckets a request into an escalation tier. Risk score and
// detector confidence each map onto a tier through the configured
// thresholds; the stricter of the two wins, so a high-confidence first
// offense escalates even before history inflates its risk score.
func (c *Config) SeverityFor(riskScore, confidence float64) Severity {
	byRisk := SeverityLow
	switch {
	case riskScore >= c.Severity.RiskCritical:
		byRisk = SeverityCritical
	case riskScore >= c.Severity.RiskHigh:
		byRisk = SeverityHigh
	case riskScore >= c.Severity.RiskMedium:
		byRisk = SeverityMedium
	}

	byConfidence := SeverityLow
	switch {
	case confidence >= c.Severity.ConfidenceCritical:
		byConfidence = SeverityCritical
	case confidence >= c.Severity.ConfidenceHigh:
		byConfidence = SeverityHigh
	case confidence >= c.Severity.ConfidenceMedium:
		byConfidence = SeverityMedium
	}

	if byConfidence.rank() > byRisk.rank() {
		return byConfidence
	}
	return byRisk
}
