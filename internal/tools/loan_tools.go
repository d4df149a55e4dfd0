package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
)

// Account status values returned by get_account_status.
const (
	StatusDelinquent   = "delinquent"
	StatusGoodStanding = "good-standing"
	StatusClosed       = "closed"
)

// Risk labels returned by get_overall_risk.
const (
	RiskLow          = "low"
	RiskMedium       = "medium"
	RiskHigh         = "high"
	RiskUndetermined = "unable to determine"
)

// Credit score bounds for customers without a fixed record.
const (
	MinCreditScore = 300
	MaxCreditScore = 850
)

var accountStatuses = []string{StatusDelinquent, StatusGoodStanding, StatusClosed}

type customerRecord struct {
	creditScore   int
	accountStatus string
}

// knownCustomers is keyed by every accepted identifier: short name,
// email, and numeric id.
var knownCustomers = func() map[string]customerRecord {
	m := make(map[string]customerRecord)
	add := func(rec customerRecord, ids ...string) {
		for _, id := range ids {
			m[id] = rec
		}
	}
	add(customerRecord{455, StatusGoodStanding}, "loren", "loren@ibm.com", "1111")
	add(customerRecord{685, StatusClosed}, "matt", "matt@ibm.com", "2222")
	add(customerRecord{825, StatusDelinquent}, "hilda", "hilda@ibm.com", "3333")
	return m
}()

// RandSource supplies uniform integers in [0, n). A shared registry
// needs a source that is safe for concurrent use.
type RandSource interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Config selects and wires the loan tool set.
type Config struct {
	// RAGEnabled swaps the local risk and rate tools for variants
	// backed by a remote scoring service.
	RAGEnabled bool
	ScoringURL string

	Tokens TokenSource
	Poster Poster
	Rand   RandSource
	Logger *slog.Logger
}

// loanTools holds the dependencies the tool handlers close over.
type loanTools struct {
	rng        RandSource
	tokens     TokenSource
	poster     Poster
	scoringURL string
	logger     *slog.Logger
}

// NewLoanRegistry builds the registry in its fixed order: credit score,
// account status, overall risk, interest rate.
func NewLoanRegistry(cfg Config) (*Registry, error) {
	if cfg.Rand == nil {
		cfg.Rand = globalRand{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RAGEnabled {
		if cfg.ScoringURL == "" {
			return nil, fmt.Errorf("RAG tools enabled without a scoring endpoint")
		}
		if cfg.Tokens == nil || cfg.Poster == nil {
			return nil, fmt.Errorf("RAG tools need a token source and a poster")
		}
	}

	lt := &loanTools{
		rng:        cfg.Rand,
		tokens:     cfg.Tokens,
		poster:     cfg.Poster,
		scoringURL: cfg.ScoringURL,
		logger:     cfg.Logger.With("component", "tools"),
	}

	defs := []*Tool{lt.creditScoreTool(), lt.accountStatusTool()}
	if cfg.RAGEnabled {
		defs = append(defs, lt.ragOverallRiskTool(), lt.ragInterestRateTool())
	} else {
		defs = append(defs, lt.overallRiskTool(), lt.interestRateTool())
	}

	r := NewRegistry()
	for _, t := range defs {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// CreditScore returns the fixed score for a known customer, or a
// uniform random score in [MinCreditScore, MaxCreditScore].
func CreditScore(customerID string, rng RandSource) int {
	if rec, ok := knownCustomers[normalizeID(customerID)]; ok {
		return rec.creditScore
	}
	return MinCreditScore + rng.IntN(MaxCreditScore-MinCreditScore+1)
}

// AccountStatus returns the fixed status for a known customer, or one
// of the three statuses at random.
func AccountStatus(customerID string, rng RandSource) string {
	if rec, ok := knownCustomers[normalizeID(customerID)]; ok {
		return rec.accountStatus
	}
	return accountStatuses[rng.IntN(len(accountStatuses))]
}

// OverallRisk bands a credit score and account status. Branches are
// evaluated in order; the final fallback covers statuses outside the
// documented set.
func OverallRisk(creditScore float64, accountStatus string) string {
	status := strings.ToLower(strings.TrimSpace(accountStatus))
	adverse := status == StatusClosed || status == StatusDelinquent

	switch {
	case creditScore >= 750 && status == StatusGoodStanding:
		return RiskLow
	case creditScore >= 750 && adverse:
		return RiskMedium
	case creditScore >= 550 && creditScore < 750 && status == StatusGoodStanding:
		return RiskMedium
	case creditScore >= 550 && creditScore < 750 && adverse:
		return RiskHigh
	case creditScore < 550:
		return RiskHigh
	default:
		return RiskUndetermined
	}
}

// InterestRate maps a risk label to a percentage. Unknown labels get
// the highest rate.
func InterestRate(overallRisk string) int {
	switch strings.ToLower(strings.TrimSpace(overallRisk)) {
	case RiskHigh:
		return 8
	case RiskMedium:
		return 5
	case RiskLow:
		return 3
	default:
		return 12
	}
}

func (lt *loanTools) creditScoreTool() *Tool {
	return &Tool{
		Name:        "get_credit_score",
		Description: "Get the credit score for the customer using the customer id. Customer's name can be used instead of customer's id. If the credit score is already known do not retrieve again.",
		Params: []Param{
			{Name: "customer_id", Type: "string", Description: "Customer's id", Required: true},
		},
		Handler: func(_ context.Context, args Args) (any, error) {
			return CreditScore(args.String("customer_id"), lt.rng), nil
		},
	}
}

func (lt *loanTools) accountStatusTool() *Tool {
	return &Tool{
		Name:        "get_account_status",
		Description: "Get the account status for the customer using customer id. Customer's name can be used instaed of customer's id. If the account status is already known do not retrieve again.",
		Params: []Param{
			{Name: "customer_id", Type: "string", Description: "Customer's id", Required: true},
		},
		Handler: func(_ context.Context, args Args) (any, error) {
			return AccountStatus(args.String("customer_id"), lt.rng), nil
		},
	}
}

func (lt *loanTools) overallRiskTool() *Tool {
	return &Tool{
		Name:        "get_overall_risk",
		Description: overallRiskDescription,
		Params:      overallRiskParams,
		Handler: func(_ context.Context, args Args) (any, error) {
			return OverallRisk(args.Number("credit_score"), args.String("account_status")), nil
		},
	}
}

func (lt *loanTools) interestRateTool() *Tool {
	return &Tool{
		Name:        "get_interest_rate",
		Description: "Get interest rate percentage based on overall risk. Explain how the interest rate was determined. If the overall risk is not known then do not provide the interest rate status and first retrieve the overall risk.",
		Params: []Param{
			{Name: "overall_risk", Type: "string", Description: "Customer's overall risk", Required: true},
		},
		Handler: func(_ context.Context, args Args) (any, error) {
			return InterestRate(args.String("overall_risk")), nil
		},
	}
}

const overallRiskDescription = "Get overall risk based on combination of both credit score and account status. Explain how the overall risk was calculated. If the credit score and account status are not known then do not provide the risk status and first retrieve the missing credit score or account status."

var overallRiskParams = []Param{
	{Name: "credit_score", Type: "number", Description: "Credit score", Required: true},
	{Name: "account_status", Type: "string", Description: "Account status", Required: true},
}
