package vault

import (
	"time"
)

// RotationPolicy controls when a credential is considered due for rotation
// and how the security score weighs age and usage.
type RotationPolicy struct {
	// Window is the maximum age of the current credential value before
	// rotation is due.
	Window time.Duration
	// MaxUsage is the read count beyond which rotation is due.
	MaxUsage int64
	// HighUsage is the read count that costs score on its own, independent
	// of rotation due-ness.
	HighUsage int64
}

// DefaultRotationPolicy returns the stock policy: rotate every 90 days or
// 10k reads, penalize past 50k reads.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		Window:    90 * 24 * time.Hour,
		MaxUsage:  10000,
		HighUsage: 50000,
	}
}

func (p RotationPolicy) normalized() RotationPolicy {
	d := DefaultRotationPolicy()
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.MaxUsage <= 0 {
		p.MaxUsage = d.MaxUsage
	}
	if p.HighUsage <= p.MaxUsage {
		p.HighUsage = 5 * p.MaxUsage
	}
	return p
}

// Due reports whether a record is overdue for rotation: the current value is
// older than the window, or it has been read past the usage ceiling.
func (p RotationPolicy) Due(r *Record, now time.Time) bool {
	if r == nil {
		return false
	}
	if now.Sub(r.UpdatedAt) > p.Window {
		return true
	}
	return r.UsageCount > p.MaxUsage
}

// Score weights.
const (
	scoreBase             = 100
	rotationDuePenalty    = 30
	highUsagePenalty      = 10
	rotationBonusPerCycle = 2
	rotationBonusCap      = 10
	encryptionBonus       = 10
)

// Score computes the 0-100 security score for a record. An overdue record
// always scores strictly below the same record not yet due; rotation history
// raises the score up to a cap; enabling encryption never lowers it.
func (p RotationPolicy) Score(r *Record, now time.Time, encrypted bool) int {
	score := scoreBase

	if r != nil {
		if p.Due(r, now) {
			score -= rotationDuePenalty
		}
		if r.UsageCount > p.HighUsage {
			score -= highUsagePenalty
		}

		bonus := r.RotationCount * rotationBonusPerCycle
		if bonus > rotationBonusCap {
			bonus = rotationBonusCap
		}
		score += bonus
	}

	if encrypted {
		score += encryptionBonus
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// riskBucket maps a score onto the audit-report buckets.
func riskBucket(score int) string {
	switch {
	case score < 50:
		return "high"
	case score < 75:
		return "medium"
	default:
		return "low"
	}
}
