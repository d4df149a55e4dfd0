package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nugget/loanrisk-agent/internal/gateway"
)

const (
	riskPromptTemplate = "what is the risk for credit score {credit_score} and account status {account_status}, and how is it determined?"
	ratePromptTemplate = "what is the interest rate for overall risk {overall_risk} and how was it determined?"
)

// TokenSource yields a bearer token for the scoring service.
type TokenSource interface {
	EnsureToken(ctx context.Context) (string, error)
}

// Poster sends a JSON request through the outbound gateway.
type Poster interface {
	CallJSON(ctx context.Context, target string, headers map[string]string, payload any, out any) error
}

type ragMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ragRequest struct {
	Messages []ragMessage `json:"messages"`
}

type ragResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// RiskPrompt fills the scoring-service risk template.
func RiskPrompt(creditScore float64, accountStatus string) string {
	return strings.NewReplacer(
		"{credit_score}", strconv.FormatFloat(creditScore, 'f', -1, 64),
		"{account_status}", accountStatus,
	).Replace(riskPromptTemplate)
}

// RatePrompt fills the scoring-service interest rate template.
func RatePrompt(overallRisk string) string {
	return strings.ReplaceAll(ratePromptTemplate, "{overall_risk}", overallRisk)
}

// dropRejectedToken discards the cached credential after a 401 so the
// next scoring call issues a fresh one.
func (lt *loanTools) dropRejectedToken(err error) {
	var rce *gateway.RemoteCallError
	if !errors.As(err, &rce) || rce.Status != http.StatusUnauthorized {
		return
	}
	if inv, ok := lt.tokens.(interface{ Invalidate() }); ok {
		inv.Invalidate()
		lt.logger.Warn("scoring service rejected bearer token, cached credential dropped")
	}
}

// askScoringService posts prompt and returns the first choice's content
// verbatim.
func (lt *loanTools) askScoringService(ctx context.Context, prompt string) (string, error) {
	token, err := lt.tokens.EnsureToken(ctx)
	if err != nil {
		return "", fmt.Errorf("scoring service token: %w", err)
	}

	headers := map[string]string{
		"Accept":        "application/json",
		"Content-Type":  "application/json;charset=UTF-8",
		"Authorization": "Bearer " + token,
	}
	req := ragRequest{Messages: []ragMessage{{Role: "user", Content: prompt}}}

	lt.logger.Debug("querying scoring service", "prompt", prompt)

	var resp ragResponse
	if err := lt.poster.CallJSON(ctx, lt.scoringURL, headers, req, &resp); err != nil {
		lt.dropRejectedToken(err)
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == nil {
		return "", &gateway.MalformedResponseError{Target: lt.scoringURL, Field: "choices[0].message.content"}
	}
	return *resp.Choices[0].Message.Content, nil
}

func (lt *loanTools) ragOverallRiskTool() *Tool {
	return &Tool{
		Name:        "get_overall_risk_from_rag_llm",
		Description: overallRiskDescription,
		Params:      overallRiskParams,
		Handler: func(ctx context.Context, args Args) (any, error) {
			return lt.askScoringService(ctx, RiskPrompt(args.Number("credit_score"), args.String("account_status")))
		},
	}
}

func (lt *loanTools) ragInterestRateTool() *Tool {
	return &Tool{
		Name:        "get_interest_rate_from_rag_llm",
		Description: "Get interest rate percentage based on overall risk. If the overall risk is not known then do not provide the interest rate status and first retrieve the overall risk. Explain how the interest rate was determined.",
		Params: []Param{
			{Name: "overall_risk", Type: "string", Description: "Overall risk", Required: true},
		},
		Handler: func(ctx context.Context, args Args) (any, error) {
			return lt.askScoringService(ctx, RatePrompt(args.String("overall_risk")))
		},
	}
}
