package logic

// Derivation is the outcome of combining a dry and a wet baseline.
type Derivation struct {
	Threshold int
	Inverted  bool
	Margin    int
	Quality   Quality
}

// Derive computes threshold and polarity from the two baselines. The quality
// grade is advisory and never blocks completion.
func Derive(dry, wet int) Derivation {
	margin := dry - wet
	if margin < 0 {
		margin = -margin
	}
	return Derivation{
		Threshold: (dry + wet) / 2,
		Inverted:  dry < wet,
		Margin:    margin,
		Quality:   GradeMargin(margin),
	}
}

// GradeMargin maps a baseline separation to a Quality.
func GradeMargin(margin int) Quality {
	switch {
	case margin >= StrongMargin:
		return QualityStrong
	case margin >= AdequateMargin:
		return QualityAdequate
	default:
		return QualityWeak
	}
}

// Apply returns rec updated with new baselines and a completed calibration.
func (d Derivation) Apply(rec Record, dry, wet int) Record {
	rec.DryBaseline = int32(dry)
	rec.WetBaseline = int32(wet)
	rec.Threshold = int32(d.Threshold)
	rec.Inverted = d.Inverted
	rec.Calibrated = true
	return rec
}

// Baseline averages collected samples with integer division. With no samples
// it falls back to the prior baseline when one exists, else 0.
func Baseline(samples []int, prior int, hasPrior bool) int {
	if len(samples) == 0 {
		if hasPrior {
			return prior
		}
		return 0
	}
	sum := 0
	for _, s := range samples {
		sum += s
	}
	return sum / len(samples)
}

// ClampThreshold keeps a manually tuned threshold inside [0, max].
func ClampThreshold(t, max int) int {
	if t < 0 {
		return 0
	}
	if t > max {
		return max
	}
	return t
}
