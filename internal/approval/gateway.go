// Package approval implements C7: the HTTP-facing surface over the change
// engine's approve/reject/revert state transitions, translating between
// wire-shaped requests and the engine's domain calls. The state machine
// itself lives in internal/change; this package owns only request shaping,
// response formatting, and the landing-page view model.
package approval

import (
	"context"
	"fmt"

	"github.com/saferun/saferun/internal/change"
	"github.com/saferun/saferun/internal/saferunerr"
	"github.com/saferun/saferun/internal/store"
)

// Gateway is the thin adapter approvals.py's router collapses onto: it adds
// no state of its own, it only shapes engine calls and results.
type Gateway struct {
	Engine *change.Engine
}

// View is what GET /approvals/{id} renders for a human reviewer.
type View struct {
	ChangeID     string
	Status       store.Status
	Title        string
	RiskScore    float64
	Reasons      []string
	HumanPreview string
	ExpiresAt    string
}

func toView(c *store.Change) *View {
	return &View{
		ChangeID:     c.ChangeID,
		Status:       c.Status,
		Title:        c.Title,
		RiskScore:    c.RiskScore,
		Reasons:      c.Reasons,
		HumanPreview: c.HumanPreview,
		ExpiresAt:    c.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// GetApproval implements GET /approvals/{id}: auto-expires an overdue
// pending change before rendering it.
func (g *Gateway) GetApproval(ctx context.Context, changeID string) (*View, error) {
	c, err := g.Engine.GetApproval(ctx, changeID)
	if err != nil {
		return nil, err
	}
	return toView(c), nil
}

// ApprovalResult is what POST /approvals/{id}/approve and /reject return.
type ApprovalResult struct {
	ChangeID  string
	Status    store.Status
	RevertURL string // set only when the change executed with an active revert window
}

// Approve implements POST /approvals/{id}/approve. The token is the one-time
// approval token minted at dry-run time, passed as a query param.
func (g *Gateway) Approve(ctx context.Context, changeID, token string) (*ApprovalResult, error) {
	if token == "" {
		return nil, saferunerr.Field("token", "approval token is required")
	}
	c, err := g.Engine.Approve(ctx, changeID, token)
	if err != nil {
		return nil, err
	}
	res := &ApprovalResult{ChangeID: c.ChangeID, Status: c.Status}
	if c.RevertToken != "" {
		res.RevertURL = fmt.Sprintf("%s/webhooks/github/revert/%s?token=%s", g.Engine.APIBaseURL, c.ChangeID, c.RevertToken)
	}
	return res, nil
}

// Reject implements POST /approvals/{id}/reject.
func (g *Gateway) Reject(ctx context.Context, changeID string) (*ApprovalResult, error) {
	c, err := g.Engine.Reject(ctx, changeID)
	if err != nil {
		return nil, err
	}
	return &ApprovalResult{ChangeID: c.ChangeID, Status: c.Status}, nil
}

// RevertResult is what POST /webhooks/github/revert/{id} returns.
type RevertResult struct {
	ChangeID   string
	Status     store.Status
	RevertType string
}

// Revert implements the dual-auth revert endpoint: exactly one of token or
// apiKey should be non-empty, matching how the transport layer extracts
// them (query param vs. X-API-Key header).
func (g *Gateway) Revert(ctx context.Context, changeID, token, apiKey string) (*RevertResult, error) {
	c, err := g.Engine.Revert(ctx, changeID, token, apiKey)
	if err != nil {
		return nil, err
	}
	revertType := ""
	if ra, ok := c.SummaryJSON["revert_action"].(map[string]any); ok {
		revertType, _ = ra["type"].(string)
	}
	return &RevertResult{ChangeID: c.ChangeID, Status: c.Status, RevertType: revertType}, nil
}
