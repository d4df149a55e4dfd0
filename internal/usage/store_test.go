package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/loanrisk-agent/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testPricing returns a pricing table for tests.
func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"ibm/granite-4-h-small":             {InputPerMillion: 0.06, OutputPerMillion: 0.25},
		"meta-llama/llama-3-3-70b-instruct": {InputPerMillion: 0.71, OutputPerMillion: 0.71},
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, RunID: "run-1", SessionID: "sess-1", Model: "ibm/granite-4-h-small", Provider: "watsonx", Cycle: 1, ToolCalls: 2, InputTokens: 1000, OutputTokens: 500, CostUSD: 0.5},
		{Timestamp: now, RunID: "run-1", SessionID: "sess-1", Model: "ibm/granite-4-h-small", Provider: "watsonx", Cycle: 2, InputTokens: 2000, OutputTokens: 1000, CostUSD: 1.0},
		{Timestamp: now, RunID: "run-2", SessionID: "sess-2", Model: "ibm/granite-4-h-small", Provider: "watsonx", Cycle: 1, InputTokens: 10, OutputTokens: 5, CostUSD: 0.25},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalRuns != 2 {
		t.Errorf("TotalRuns = %d, want 2", sum.TotalRuns)
	}
	if sum.TotalInputTokens != 3010 {
		t.Errorf("TotalInputTokens = %d, want 3010", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 1505 {
		t.Errorf("TotalOutputTokens = %d, want 1505", sum.TotalOutputTokens)
	}
	if diff := sum.TotalCostUSD - 1.75; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("TotalCostUSD = %f, want ~1.75", sum.TotalCostUSD)
	}
}

func TestSummaryByModel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, RunID: "r1", Model: "granite", Provider: "watsonx", InputTokens: 100, OutputTokens: 50, CostUSD: 1.0},
		{Timestamp: now, RunID: "r1", Model: "granite", Provider: "watsonx", InputTokens: 200, OutputTokens: 100, CostUSD: 2.0},
		{Timestamp: now, RunID: "r2", Model: "llama", Provider: "ollama", InputTokens: 50, OutputTokens: 25},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	result, err := s.SummaryByModel(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("got %d groups, want 2", len(result))
	}

	granite := result["granite"]
	if granite == nil {
		t.Fatal("missing 'granite' group")
	}
	if granite.TotalRecords != 2 || granite.TotalRuns != 1 {
		t.Errorf("granite records/runs = %d/%d, want 2/1", granite.TotalRecords, granite.TotalRuns)
	}
	if granite.TotalInputTokens != 300 {
		t.Errorf("granite.TotalInputTokens = %d, want 300", granite.TotalInputTokens)
	}
	if granite.TotalCostUSD != 3.0 {
		t.Errorf("granite.TotalCostUSD = %f, want 3.0", granite.TotalCostUSD)
	}
	if result["llama"] == nil || result["llama"].TotalCostUSD != 0 {
		t.Errorf("llama group = %+v, want free", result["llama"])
	}
}

func TestSummaryBySession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, rec := range []Record{
		{Timestamp: now, RunID: "r1", SessionID: "a", Model: "m", Provider: "p", InputTokens: 1},
		{Timestamp: now, RunID: "r2", SessionID: "a", Model: "m", Provider: "p", InputTokens: 1},
		{Timestamp: now, RunID: "r3", SessionID: "b", Model: "m", Provider: "p", InputTokens: 1},
	} {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	result, err := s.SummaryBySession(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryBySession: %v", err)
	}
	if result["a"] == nil || result["a"].TotalRuns != 2 {
		t.Errorf("session a = %+v, want 2 runs", result["a"])
	}
	if result["b"] == nil || result["b"].TotalRuns != 1 {
		t.Errorf("session b = %+v, want 1 run", result["b"])
	}
}

func TestSummary_TimeRange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, rec := range []Record{
		{Timestamp: base.Add(-2 * time.Hour), RunID: "before", Model: "m", Provider: "p", CostUSD: 1.0},
		{Timestamp: base, RunID: "in-range", Model: "m", Provider: "p", CostUSD: 2.0},
		{Timestamp: base.Add(2 * time.Hour), RunID: "after", Model: "m", Provider: "p", CostUSD: 4.0},
	} {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (only in-range)", sum.TotalRecords)
	}
	if sum.TotalCostUSD != 2.0 {
		t.Errorf("TotalCostUSD = %f, want 2.0", sum.TotalCostUSD)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)

	sum, err := s.Summary(time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil {
		t.Fatal("Summary returned nil, want non-nil zero-value Summary")
	}
	if sum.TotalRecords != 0 || sum.TotalRuns != 0 {
		t.Errorf("Summary = %+v, want zero", sum)
	}
}

func TestSummaryByModel_EmptyDB(t *testing.T) {
	s := testStore(t)

	result, err := s.SummaryByModel(time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if result == nil {
		t.Fatal("SummaryByModel returned nil, want empty map")
	}
	if len(result) != 0 {
		t.Errorf("got %d groups, want 0", len(result))
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"granite_normal", "ibm/granite-4-h-small", 1_000_000, 1_000_000, 0.31},
		{"llama_normal", "meta-llama/llama-3-3-70b-instruct", 1_000_000, 100_000, 0.781},
		{"unknown_model", "granite3.3:8b", 1_000_000, 1_000_000, 0}, // local, not in pricing
		{"zero_tokens", "ibm/granite-4-h-small", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.input, tt.output, pricing)
			if diff := got - tt.want; diff > 0.0001 || diff < -0.0001 {
				t.Errorf("ComputeCost(%q, %d, %d) = %f, want %f", tt.model, tt.input, tt.output, got, tt.want)
			}
		})
	}
}

func TestComputeCost_NilPricing(t *testing.T) {
	if got := ComputeCost("ibm/granite-4-h-small", 1000, 500, nil); got != 0 {
		t.Errorf("ComputeCost with nil pricing = %f, want 0", got)
	}
}

func TestRecord_AutoID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Record{RunID: "r_test", Model: "m", Provider: "p"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	sum, err := s.Summary(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1", sum.TotalRecords)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	if _, err := NewStore("/nonexistent/path/usage.db"); err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}
