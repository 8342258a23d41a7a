package gateway

import (
	"context"
	"encoding/json"

	"github.com/dunia/mcp-gateway/internal/controlplane"
	"github.com/dunia/mcp-gateway/internal/database"
	"github.com/dunia/mcp-gateway/internal/mcp"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PermissionPropagator is the glue between an admin edit to a user's
// Permissions/UserPreferences/Status and that user's live sessions: it
// recomputes the Capability Service view, diffs it against what was last
// sent, and pushes list_changed notifications and a control-plane
// permission_changed push wherever the diff says something actually
// changed. Grounded on the Capability Service's own comparePermissions and
// the control-plane Hub's per-user Publish.
type PermissionPropagator struct {
	repo           *database.Repository
	capSvc         *CapabilityService
	sessionManager *SessionManager
	sseManager     *SSEManager
	cpHub          *controlplane.Hub
	rateLimiter    *RateLimiter
}

// NewPermissionPropagator creates a PermissionPropagator. rateLimiter shapes
// how fast this propagator may push notifications to a single user's
// sessions and control-plane sockets (see RateLimiter.DispatchAllow).
func NewPermissionPropagator(repo *database.Repository, capSvc *CapabilityService, sessionManager *SessionManager, sseManager *SSEManager, cpHub *controlplane.Hub, rateLimiter *RateLimiter) *PermissionPropagator {
	return &PermissionPropagator{
		repo:           repo,
		capSvc:         capSvc,
		sessionManager: sessionManager,
		sseManager:     sseManager,
		cpHub:          cpHub,
		rateLimiter:    rateLimiter,
	}
}

// NotifyPermissionsChanged reloads userID, diffs its effective capability
// view against the last one computed for it, and — only if the diff says
// the enabled set actually moved — emits the matching list_changed
// notifications to every live session plus a control-plane push.
func (p *PermissionPropagator) NotifyPermissionsChanged(ctx context.Context, userID uuid.UUID) {
	user, err := p.repo.GetUserByID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("Permission propagation: user lookup failed")
		return
	}

	if user.Status != database.UserStatusEnabled {
		p.disconnectUser(ctx, userID, user.Status)
		return
	}

	_, signal, err := p.capSvc.RefreshAndDiff(ctx, user)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("Permission propagation: RefreshAndDiff failed")
		return
	}

	if !signal.ToolsChanged && !signal.ResourcesChanged && !signal.PromptsChanged {
		return
	}

	if p.rateLimiter != nil && !p.rateLimiter.DispatchAllow(userID.String()) {
		log.Warn().Str("user_id", userID.String()).Msg("Permission propagation: dispatch throttled, dropping this round")
		return
	}

	for _, session := range p.sessionManager.GetUserSessions(userID) {
		p.emitListChanged(session.ID, signal)
	}

	if p.cpHub != nil {
		p.cpHub.Publish(userID.String(), controlplane.NotificationPermissionChanged, signal)
	}

	log.Info().
		Str("user_id", userID.String()).
		Bool("tools_changed", signal.ToolsChanged).
		Bool("resources_changed", signal.ResourcesChanged).
		Bool("prompts_changed", signal.PromptsChanged).
		Msg("Propagated permission change")
}

// disconnectUser tears down every live session for a user whose status just
// left Enabled (Disabled, Pending or Suspended), per the admission contract's session
// attachment rule, and pushes a control-plane notice so connected devices
// can react immediately instead of waiting for their next forward request.
func (p *PermissionPropagator) disconnectUser(ctx context.Context, userID uuid.UUID, status database.UserStatus) {
	reason := ReasonUserDisabled
	notifType := controlplane.NotificationUserDisabled
	if status == database.UserStatusSuspended {
		reason = ReasonUserDisabled
	}

	for _, session := range p.sessionManager.GetUserSessions(userID) {
		session.BeginClose(reason)
		if p.sseManager != nil {
			p.sseManager.RemoveHub(session.ID)
		}
		p.sessionManager.DeleteSession(ctx, session.ID)
	}
	p.capSvc.DropUser(userID)

	if p.cpHub != nil && (p.rateLimiter == nil || p.rateLimiter.DispatchAllow(userID.String())) {
		p.cpHub.Publish(userID.String(), notifType, map[string]string{"status": string(status)})
	}
}

func (p *PermissionPropagator) emitListChanged(sessionID string, signal ChangeSignal) {
	if p.sseManager == nil {
		return
	}
	hub := p.sseManager.GetOrCreateHub(sessionID)

	if signal.ToolsChanged {
		hub.BroadcastNotification(listChangedNotification(mcp.MethodToolsListChanged))
	}
	if signal.ResourcesChanged {
		hub.BroadcastNotification(listChangedNotification(mcp.MethodResourcesListChanged))
	}
	if signal.PromptsChanged {
		hub.BroadcastNotification(listChangedNotification(mcp.MethodPromptsListChanged))
	}
}

func listChangedNotification(method string) *mcp.JSONRPCNotification {
	params, _ := json.Marshal(map[string]bool{"listChanged": true})
	return &mcp.JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: params}
}
