package api

import (
	"github.com/ai-village/village/pkg/models"
	"github.com/ai-village/village/pkg/services"
)

// The public API speaks camelCase; these bodies translate to the internal
// model types.

type repoRefBody struct {
	Provider      string `json:"provider"`
	Owner         string `json:"owner,omitempty"`
	Name          string `json:"name,omitempty"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
	Path          string `json:"path,omitempty"`
}

type checkoutBody struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	SHA  string `json:"sha,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

type taskBody struct {
	Title       string `json:"title"`
	Goal        string `json:"goal"`
	Constraints string `json:"constraints,omitempty"`
	Acceptance  string `json:"acceptance,omitempty"`
	RoomPath    string `json:"roomPath,omitempty"`
	BranchName  string `json:"branchName,omitempty"`
}

type policyBody struct {
	ShellAllowlist      []string `json:"shellAllowlist,omitempty"`
	ShellDenylist       []string `json:"shellDenylist,omitempty"`
	RequiresApprovalFor []string `json:"requiresApprovalFor,omitempty"`
	NetworkMode         string   `json:"networkMode,omitempty"`
}

type createSessionBody struct {
	OrgID      string            `json:"orgId,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	VillageID  string            `json:"villageId,omitempty"`
	AgentName  string            `json:"agentName,omitempty"`
	ProviderID string            `json:"providerId"`
	RepoRef    repoRefBody       `json:"repoRef"`
	Checkout   *checkoutBody     `json:"checkout,omitempty"`
	RoomPath   string            `json:"roomPath,omitempty"`
	Task       taskBody          `json:"task"`
	Policy     *policyBody       `json:"policy,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

func (b *createSessionBody) toRequest() *services.CreateSessionRequest {
	req := &services.CreateSessionRequest{
		OrgID:      b.OrgID,
		UserID:     b.UserID,
		VillageID:  b.VillageID,
		AgentName:  b.AgentName,
		ProviderID: models.ProviderID(b.ProviderID),
		Repo: models.RepoRef{
			Provider:      models.RepoProvider(b.RepoRef.Provider),
			Owner:         b.RepoRef.Owner,
			Name:          b.RepoRef.Name,
			DefaultBranch: b.RepoRef.DefaultBranch,
			Path:          b.RepoRef.Path,
		},
		RoomPath: b.RoomPath,
		Task: models.TaskSpec{
			Title:       b.Task.Title,
			Goal:        b.Task.Goal,
			Constraints: b.Task.Constraints,
			Acceptance:  b.Task.Acceptance,
			RoomPath:    b.Task.RoomPath,
			BranchName:  b.Task.BranchName,
		},
		Env: b.Env,
	}
	if b.Checkout != nil {
		req.Checkout = &models.CheckoutSpec{
			Type: models.CheckoutType(b.Checkout.Type),
			Ref:  b.Checkout.Ref,
			SHA:  b.Checkout.SHA,
			Tag:  b.Checkout.Tag,
		}
	}
	if b.Policy != nil {
		policy := models.PolicySpec{
			ShellAllowlist: b.Policy.ShellAllowlist,
			ShellDenylist:  b.Policy.ShellDenylist,
			NetworkMode:    models.NetworkMode(b.Policy.NetworkMode),
		}
		for _, cat := range b.Policy.RequiresApprovalFor {
			policy.RequiresApprovalFor = append(policy.RequiresApprovalFor, models.ApprovalCategory(cat))
		}
		req.Policy = &policy
	}
	return req
}

type inputBody struct {
	Data string `json:"data"`
}

type stopBody struct {
	Graceful *bool `json:"graceful,omitempty"`
}

func (b stopBody) graceful() bool {
	if b.Graceful == nil {
		return true
	}
	return *b.Graceful
}

type approvalBody struct {
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}
