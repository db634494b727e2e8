package vault

import (
	"testing"
	"time"
)

func baseRecord(now time.Time) *Record {
	return &Record{
		Service:   "finnhub",
		APIKey:    "score-test-key-01",
		Enabled:   true,
		CreatedAt: now.Add(-24 * time.Hour),
		UpdatedAt: now.Add(-24 * time.Hour),
	}
}

func TestRotationDue(t *testing.T) {
	policy := DefaultRotationPolicy()
	now := time.Now()

	fresh := baseRecord(now)
	if policy.Due(fresh, now) {
		t.Error("Fresh record must not be due")
	}

	old := baseRecord(now)
	old.UpdatedAt = now.Add(-91 * 24 * time.Hour)
	if !policy.Due(old, now) {
		t.Error("Record older than the window must be due")
	}

	worn := baseRecord(now)
	worn.UsageCount = policy.MaxUsage + 1
	if !policy.Due(worn, now) {
		t.Error("Record past the usage ceiling must be due")
	}

	if policy.Due(nil, now) {
		t.Error("Nil record must not be due")
	}
}

func TestScoreDuePenaltyIsStrict(t *testing.T) {
	policy := DefaultRotationPolicy()
	now := time.Now()

	fresh := baseRecord(now)
	overdue := baseRecord(now)
	overdue.UpdatedAt = now.Add(-120 * 24 * time.Hour)

	for _, encrypted := range []bool{true, false} {
		freshScore := policy.Score(fresh, now, encrypted)
		overdueScore := policy.Score(overdue, now, encrypted)
		if overdueScore >= freshScore {
			t.Errorf("Overdue record must score strictly lower (encrypted=%v): %d >= %d",
				encrypted, overdueScore, freshScore)
		}
	}
}

func TestScoreRotationBonusMonotone(t *testing.T) {
	policy := DefaultRotationPolicy()
	now := time.Now()

	prev := -1
	for rotations := 0; rotations <= 10; rotations++ {
		rec := baseRecord(now)
		rec.RotationCount = rotations
		// Keep the record overdue so the bonus is visible below the clamp
		rec.UpdatedAt = now.Add(-120 * 24 * time.Hour)

		score := policy.Score(rec, now, false)
		if score < prev {
			t.Errorf("Score decreased with more rotations: %d rotations -> %d (prev %d)",
				rotations, score, prev)
		}
		prev = score
	}

	// The bonus is capped
	capped := baseRecord(now)
	capped.RotationCount = 5
	capped.UpdatedAt = now.Add(-120 * 24 * time.Hour)
	huge := baseRecord(now)
	huge.RotationCount = 500
	huge.UpdatedAt = now.Add(-120 * 24 * time.Hour)

	if policy.Score(capped, now, false) != policy.Score(huge, now, false) {
		t.Error("Rotation bonus must be capped")
	}
}

func TestScoreEncryptionNeverLowers(t *testing.T) {
	policy := DefaultRotationPolicy()
	now := time.Now()

	records := []*Record{
		baseRecord(now),
		nil,
	}
	overdue := baseRecord(now)
	overdue.UpdatedAt = now.Add(-120 * 24 * time.Hour)
	overdue.UsageCount = policy.HighUsage + 1
	records = append(records, overdue)

	for i, rec := range records {
		plain := policy.Score(rec, now, false)
		encrypted := policy.Score(rec, now, true)
		if encrypted < plain {
			t.Errorf("Record %d: encryption lowered score %d -> %d", i, plain, encrypted)
		}
	}
}

func TestScoreHighUsagePenalty(t *testing.T) {
	policy := DefaultRotationPolicy()
	now := time.Now()

	worn := baseRecord(now)
	worn.UsageCount = policy.HighUsage + 1
	// Past HighUsage the record is also past MaxUsage, so both penalties
	// apply together
	score := policy.Score(worn, now, false)
	expected := scoreBase - rotationDuePenalty - highUsagePenalty
	if score != expected {
		t.Errorf("Expected score %d, got %d", expected, score)
	}
}

func TestScoreClamp(t *testing.T) {
	policy := DefaultRotationPolicy()
	now := time.Now()

	rec := baseRecord(now)
	rec.RotationCount = 50
	score := policy.Score(rec, now, true)
	if score != 100 {
		t.Errorf("Expected clamp at 100, got %d", score)
	}
	if score := policy.Score(nil, now, false); score != 100 {
		t.Errorf("Expected 100 for nil record, got %d", score)
	}
}

func TestRiskBuckets(t *testing.T) {
	cases := []struct {
		score  int
		bucket string
	}{
		{0, "high"},
		{49, "high"},
		{50, "medium"},
		{74, "medium"},
		{75, "low"},
		{100, "low"},
	}

	for _, tc := range cases {
		if got := riskBucket(tc.score); got != tc.bucket {
			t.Errorf("riskBucket(%d) = %q, want %q", tc.score, got, tc.bucket)
		}
	}
}

func TestMaskKey(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"abcd1234efgh5678", "***5678"},
		{"12345678", "***5678"},
		{"short", ""},
		{"", ""},
	}

	for _, tc := range cases {
		if got := MaskKey(tc.key); got != tc.want {
			t.Errorf("MaskKey(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}
