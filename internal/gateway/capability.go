package gateway

import (
	"context"
	"sync"

	"github.com/dunia/mcp-gateway/internal/database"
	"github.com/google/uuid"
)

// CapabilityItemView is one tool/resource/prompt in a user's effective view.
type CapabilityItemView struct {
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
	DangerLevel string `json:"dangerLevel,omitempty"`
}

// ServerCapabilityView is one server's entry in a user's effective capability view.
type ServerCapabilityView struct {
	Enabled        bool                          `json:"enabled"`
	ServerName     string                         `json:"serverName"`
	AllowUserInput bool                           `json:"allowUserInput"`
	AuthType       string                         `json:"authType"`
	ConfigTemplate string                         `json:"configTemplate,omitempty"`
	Configured     bool                           `json:"configured"`
	Tools          map[string]CapabilityItemView `json:"tools"`
	Resources      map[string]CapabilityItemView `json:"resources"`
	Prompts        map[string]CapabilityItemView `json:"prompts"`
}

// EffectiveCapabilityView is the full per-server mapping returned for one user.
type EffectiveCapabilityView map[string]ServerCapabilityView

// ChangeSignal is comparePermissions' result, the only signal used to decide
// which list_changed notifications to emit for a live session.
type ChangeSignal struct {
	ToolsChanged     bool
	ResourcesChanged bool
	PromptsChanged   bool
}

// CapabilityService computes, for a user and the live server pool, the
// user's effective capability view: ground truth capabilities intersected
// with the admin permission mask and the user's own preference overlay.
//
// Grounded on Authorizer's repo-backed read pattern
// (internal/gateway/authorizer.go), without its policy cache: this service
// does not cache its inputs,
// since the expensive part (server capability lists) is already cached on
// the Target row and the per-user inputs change too often to be worth it.
type CapabilityService struct {
	repo *database.Repository

	mu          sync.RWMutex
	lastView    map[uuid.UUID]EffectiveCapabilityView // userId -> last computed view, for comparePermissions
}

// NewCapabilityService creates a CapabilityService.
func NewCapabilityService(repo *database.Repository) *CapabilityService {
	return &CapabilityService{
		repo:     repo,
		lastView: make(map[uuid.UUID]EffectiveCapabilityView),
	}
}

// ComputeView derives U's effective capability view across every enabled target.
func (c *CapabilityService) ComputeView(ctx context.Context, user *database.User) (EffectiveCapabilityView, error) {
	targets, err := c.repo.GetEnabledTargets(ctx)
	if err != nil {
		return nil, err
	}

	view := make(EffectiveCapabilityView, len(targets))
	for _, t := range targets {
		view[t.ID.String()] = c.computeServerView(user, t)
	}
	return view, nil
}

func (c *CapabilityService) computeServerView(user *database.User, t *database.Target) ServerCapabilityView {
	adminMask, hasMask := user.Permissions[t.ID.String()]
	overlay, hasOverlay := user.UserPreferences[t.ID.String()]

	configured := true
	if t.AllowUserInput {
		_, configured = user.LaunchConfigs[t.ID.String()]
	}

	configTemplate := ""
	if t.ConfigTemplate != nil {
		configTemplate = *t.ConfigTemplate
	}

	sv := ServerCapabilityView{
		Enabled:        t.Enabled,
		ServerName:     t.Name,
		AllowUserInput: t.AllowUserInput,
		AuthType:       t.AuthType,
		ConfigTemplate: configTemplate,
		Configured:     configured,
		Tools:          deriveItems(t.CachedTools, adminMask.Tools, hasMask, overlay.Tools, hasOverlay),
		Resources:      deriveItems(t.CachedResources, adminMask.Resources, hasMask, overlay.Resources, hasOverlay),
		Prompts:        deriveItems(t.CachedPrompts, adminMask.Prompts, hasMask, overlay.Prompts, hasOverlay),
	}
	return sv
}

// deriveItems applies step 2 (admin mask, default all-enabled) and step 3
// (user overlay, existing items only) of the §4.5 derivation to one
// capability kind (tools, resources, or prompts).
func deriveItems(
	groundTruth []database.CapabilityItem,
	adminMask map[string]database.CapabilityPermission, hasMask bool,
	overlay map[string]database.CapabilityPermission, hasOverlay bool,
) map[string]CapabilityItemView {
	out := make(map[string]CapabilityItemView, len(groundTruth))
	for _, item := range groundTruth {
		enabled := true
		if hasMask {
			if perm, ok := adminMask[item.Name]; ok {
				enabled = perm.Enabled
			}
		}
		if hasOverlay && enabled {
			if perm, ok := overlay[item.Name]; ok {
				enabled = perm.Enabled
			}
		}
		out[item.Name] = CapabilityItemView{
			Enabled:     enabled,
			Description: item.Description,
			DangerLevel: item.DangerLevel,
		}
	}
	return out
}

// RefreshAndDiff recomputes U's view, diffs it against the last computed
// view via comparePermissions, stores the new view, and returns the signal.
func (c *CapabilityService) RefreshAndDiff(ctx context.Context, user *database.User) (EffectiveCapabilityView, ChangeSignal, error) {
	newView, err := c.ComputeView(ctx, user)
	if err != nil {
		return nil, ChangeSignal{}, err
	}

	c.mu.Lock()
	oldView := c.lastView[user.ID]
	c.lastView[user.ID] = newView
	c.mu.Unlock()

	return newView, comparePermissions(oldView, newView), nil
}

// DropUser forgets the last view cached for userID, called on session close.
func (c *CapabilityService) DropUser(userID uuid.UUID) {
	c.mu.Lock()
	delete(c.lastView, userID)
	c.mu.Unlock()
}

// comparePermissions reports, per §4.5, whether the set of enabled items
// differs between old and new, considering name-level membership only.
// Description/dangerLevel edits on an already-enabled item never count.
func comparePermissions(oldView, newView EffectiveCapabilityView) ChangeSignal {
	var sig ChangeSignal
	serverIDs := make(map[string]struct{}, len(oldView)+len(newView))
	for id := range oldView {
		serverIDs[id] = struct{}{}
	}
	for id := range newView {
		serverIDs[id] = struct{}{}
	}

	for id := range serverIDs {
		o := oldView[id]
		n := newView[id]
		if !enabledSetEqual(o.Tools, n.Tools) {
			sig.ToolsChanged = true
		}
		if !enabledSetEqual(o.Resources, n.Resources) {
			sig.ResourcesChanged = true
		}
		if !enabledSetEqual(o.Prompts, n.Prompts) {
			sig.PromptsChanged = true
		}
	}
	return sig
}

// enabledSetEqual reports whether two item maps have the same set of
// enabled names, ignoring any other field (e.g. description).
func enabledSetEqual(a, b map[string]CapabilityItemView) bool {
	aEnabled := enabledNames(a)
	bEnabled := enabledNames(b)
	if len(aEnabled) != len(bEnabled) {
		return false
	}
	for name := range aEnabled {
		if _, ok := bEnabled[name]; !ok {
			return false
		}
	}
	return true
}

func enabledNames(m map[string]CapabilityItemView) map[string]struct{} {
	out := make(map[string]struct{})
	for name, item := range m {
		if item.Enabled {
			out[name] = struct{}{}
		}
	}
	return out
}
