package receipt

import "github.com/zombor/receipt-approvals/internal/identity"

// RenderMode tells a client how to present a receipt's status
type RenderMode string

const (
	RenderButtons RenderMode = "buttons"
	RenderLabel   RenderMode = "label"
)

// Action is a status change the viewer may trigger
type Action struct {
	Name   string `json:"name"`
	Target Status `json:"target"`
}

// ActionView is the one place that decides whether a viewer gets approve/reject controls
// or a plain status label for a receipt.
type ActionView struct {
	RenderMode RenderMode `json:"render_mode"`
	Label      string     `json:"label"`
	Actions    []Action   `json:"actions"`
}

// StatusActions offers approve/reject buttons exactly when Transition would accept them
// from viewer right now.
func StatusActions(viewer *identity.User, r *Receipt) ActionView {
	if r.Status == StatusSubmitted && CanTransition(viewer, r.Owner) {
		return ActionView{
			RenderMode: RenderButtons,
			Label:      string(r.Status),
			Actions: []Action{
				{Name: "approve", Target: StatusApproved},
				{Name: "reject", Target: StatusRejected},
			},
		}
	}
	return ActionView{
		RenderMode: RenderLabel,
		Label:      string(r.Status),
		Actions:    []Action{},
	}
}
