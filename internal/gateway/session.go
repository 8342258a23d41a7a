package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/dunia/mcp-gateway/internal/auth"
	"github.com/dunia/mcp-gateway/internal/database"
	"github.com/dunia/mcp-gateway/internal/mcp"
	"github.com/dunia/mcp-gateway/internal/stdio"
	"github.com/dunia/mcp-gateway/internal/telemetry"
	"github.com/rs/zerolog/log"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// newSuffix returns 4 random base36 characters, used for uniformRequestId and
// reverse-request gateway id suffixes (event ids use the event store's own).
func newSuffix() string {
	b := make([]byte, 4)
	for i := range b {
		b[i] = base36[rand.Intn(len(base36))]
	}
	return string(b)
}

// SessionState is the Client Session state machine: Initializing -> Active -> Closing -> Closed.
type SessionState int

const (
	StateInitializing SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session transitioned to Closing/Closed.
type CloseReason string

const (
	ReasonClientDelete   CloseReason = "CLIENT_DELETE"
	ReasonSessionTimeout CloseReason = "SESSION_TIMEOUT"
	ReasonUserDisabled   CloseReason = "USER_DISABLED"
	ReasonUserExpired    CloseReason = "USER_EXPIRED"
	ReasonPermRevoked    CloseReason = "PERMISSION_REVOKED"
	ReasonShutdown       CloseReason = "SHUTDOWN"
)

// PendingReverseRequest is one in-flight server->client reverse request
// (sampling/createMessage, roots/list, elicitation/create) awaiting a client reply.
type PendingReverseRequest struct {
	GatewayID        string // uniformRequestId used as the outbound JSON-RPC id
	OriginServerID   uuid.UUID
	OriginRequestID  json.RawMessage // the upstream server's original request id
	Method           string
	resultCh         chan reverseResult
}

type reverseResult struct {
	result json.RawMessage
	err    *mcp.JSONRPCError
}

// ToolMapping maps a tool name to its upstream target
type ToolMapping struct {
	TargetID   uuid.UUID
	TargetName string
	ToolName   string // original (unprefixed) tool name
}

// ResourceMapping maps a resource URI to its upstream target
type ResourceMapping struct {
	TargetID   uuid.UUID
	TargetName string
	URI        string // original (unprefixed) URI
}

// PromptMapping maps a prompt name to its upstream target
type PromptMapping struct {
	TargetID   uuid.UUID
	TargetName string
	PromptName string // original (unprefixed) prompt name
}

// Session represents an active MCP session
type Session struct {
	ID           string
	UserID       uuid.UUID
	Role         string
	Groups       []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	IP           string
	UserAgent    string
	TokenMask    string
	clients      map[string]mcp.MCPClient // map[targetName]MCPClient
	mu           sync.RWMutex
	state        SessionState
	sseConnected bool
	lastActive   time.Time
	initialized  bool
	capabilities *mcp.ServerCapabilities
	targetIDs    map[string]uuid.UUID       // targetName -> targetID
	toolMap      map[string]ToolMapping     // prefixedName -> mapping
	resourceMap  map[string]ResourceMapping // prefixedURI -> mapping
	promptMap    map[string]PromptMapping   // prefixedName -> mapping
	pending      map[string]*PendingReverseRequest
	authContext  *auth.AuthContext // dataplane identity snapshot, nil for admin-JWT sessions
	authCtxAt    time.Time
}

// SessionManager manages MCP sessions
type SessionManager struct {
	repo            *database.Repository
	sessions        map[string]*Session
	mu              sync.RWMutex
	sessionTimeout  time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewSessionManager creates a new session manager
func NewSessionManager(repo *database.Repository, timeout, cleanupInterval time.Duration) *SessionManager {
	sm := &SessionManager{
		repo:            repo,
		sessions:        make(map[string]*Session),
		sessionTimeout:  timeout,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	// Start cleanup goroutine
	go sm.cleanupLoop()

	return sm
}

// CreateSession creates a new MCP session
func (sm *SessionManager) CreateSession(ctx context.Context, userID uuid.UUID, role string, groups []string) (*Session, error) {
	sessionID := uuid.New().String()
	now := time.Now()
	expiresAt := now.Add(sm.sessionTimeout)

	// Store in database
	_, err := sm.repo.CreateMCPSession(ctx, sessionID, userID, expiresAt)
	if err != nil {
		return nil, err
	}

	if groups == nil {
		groups = []string{}
	}

	session := &Session{
		ID:          sessionID,
		UserID:      userID,
		Role:        role,
		Groups:      groups,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		state:       StateInitializing,
		lastActive:  now,
		clients:     make(map[string]mcp.MCPClient),
		targetIDs:   make(map[string]uuid.UUID),
		toolMap:     make(map[string]ToolMapping),
		resourceMap: make(map[string]ResourceMapping),
		promptMap:   make(map[string]PromptMapping),
		pending:     make(map[string]*PendingReverseRequest),
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	telemetry.MCPSessionsActive.Add(ctx, 1)

	log.Info().
		Str("session_id", sessionID).
		Str("user_id", userID.String()).
		Str("role", role).
		Strs("groups", groups).
		Msg("Created new MCP session")

	return session, nil
}

// GetSession retrieves a session by ID
func (sm *SessionManager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sm.mu.RLock()
	session, exists := sm.sessions[sessionID]
	sm.mu.RUnlock()

	if exists {
		// Check if expired
		if time.Now().After(session.ExpiresAt) {
			sm.DeleteSession(ctx, sessionID)
			return nil, database.ErrNotFound
		}

		// Update activity
		session.mu.Lock()
		session.ExpiresAt = time.Now().Add(sm.sessionTimeout)
		session.mu.Unlock()

		go sm.repo.UpdateMCPSessionActivity(ctx, sessionID)

		return session, nil
	}

	// Try to load from database
	dbSession, err := sm.repo.GetMCPSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Check if expired
	if time.Now().After(dbSession.ExpiresAt) {
		sm.repo.DeleteMCPSession(ctx, sessionID)
		return nil, database.ErrNotFound
	}

	// Get user to retrieve role and groups
	user, err := sm.repo.GetUserByID(ctx, dbSession.UserID)
	role := "user"
	groups := []string{}
	if err == nil {
		role = user.Role
		groups = user.Groups
	}

	session = &Session{
		ID:          dbSession.ID,
		UserID:      dbSession.UserID,
		Role:        role,
		Groups:      groups,
		CreatedAt:   dbSession.CreatedAt,
		ExpiresAt:   dbSession.ExpiresAt,
		clients:     make(map[string]mcp.MCPClient),
		targetIDs:   make(map[string]uuid.UUID),
		toolMap:     make(map[string]ToolMapping),
		resourceMap: make(map[string]ResourceMapping),
		promptMap:   make(map[string]PromptMapping),
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	return session, nil
}

// DeleteSession deletes a session
func (sm *SessionManager) DeleteSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	if exists {
		// Close HTTP clients only; STDIO processes are managed by StdioManager
		session.mu.Lock()
		for _, client := range session.clients {
			if _, isStdio := client.(*stdio.Process); !isStdio {
				client.Close()
			}
		}
		session.mu.Unlock()
		delete(sm.sessions, sessionID)
		telemetry.MCPSessionsActive.Add(ctx, -1)
	}
	sm.mu.Unlock()

	// Delete from database
	return sm.repo.DeleteMCPSession(ctx, sessionID)
}

// GetClient gets or creates an MCP client for a target within a session
func (s *Session) GetClient(targetName string) mcp.MCPClient {
	s.mu.RLock()
	client := s.clients[targetName]
	s.mu.RUnlock()
	return client
}

// SetClient sets an MCP client for a target within a session
func (s *Session) SetClient(targetName string, client mcp.MCPClient) {
	s.mu.Lock()
	s.clients[targetName] = client
	s.mu.Unlock()
}

// GetAllClients returns all clients in the session
func (s *Session) GetAllClients() map[string]mcp.MCPClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make(map[string]mcp.MCPClient)
	for k, v := range s.clients {
		clients[k] = v
	}
	return clients
}

// SetTargetID stores the target ID for a target name
func (s *Session) SetTargetID(targetName string, targetID uuid.UUID) {
	s.mu.Lock()
	s.targetIDs[targetName] = targetID
	s.mu.Unlock()
}

// GetTargetID returns the target ID for a target name
func (s *Session) GetTargetID(targetName string) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.targetIDs[targetName]
	return id, ok
}

// SetToolMapping stores a tool mapping
func (s *Session) SetToolMapping(prefixedName string, mapping ToolMapping) {
	s.mu.Lock()
	s.toolMap[prefixedName] = mapping
	s.mu.Unlock()
}

// GetToolMapping retrieves a tool mapping
func (s *Session) GetToolMapping(prefixedName string) (ToolMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.toolMap[prefixedName]
	return m, ok
}

// ClearToolMappings resets tool mappings
func (s *Session) ClearToolMappings() {
	s.mu.Lock()
	s.toolMap = make(map[string]ToolMapping)
	s.mu.Unlock()
}

// SetResourceMapping stores a resource mapping
func (s *Session) SetResourceMapping(prefixedURI string, mapping ResourceMapping) {
	s.mu.Lock()
	s.resourceMap[prefixedURI] = mapping
	s.mu.Unlock()
}

// GetResourceMapping retrieves a resource mapping
func (s *Session) GetResourceMapping(prefixedURI string) (ResourceMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.resourceMap[prefixedURI]
	return m, ok
}

// ClearResourceMappings resets resource mappings
func (s *Session) ClearResourceMappings() {
	s.mu.Lock()
	s.resourceMap = make(map[string]ResourceMapping)
	s.mu.Unlock()
}

// SetPromptMapping stores a prompt mapping
func (s *Session) SetPromptMapping(prefixedName string, mapping PromptMapping) {
	s.mu.Lock()
	s.promptMap[prefixedName] = mapping
	s.mu.Unlock()
}

// GetPromptMapping retrieves a prompt mapping
func (s *Session) GetPromptMapping(prefixedName string) (PromptMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.promptMap[prefixedName]
	return m, ok
}

// ClearPromptMappings resets prompt mappings
func (s *Session) ClearPromptMappings() {
	s.mu.Lock()
	s.promptMap = make(map[string]PromptMapping)
	s.mu.Unlock()
}

// SetInitialized marks the session as initialized
func (s *Session) SetInitialized(caps *mcp.ServerCapabilities) {
	s.mu.Lock()
	s.initialized = true
	s.capabilities = caps
	s.mu.Unlock()
}

// IsInitialized returns whether the session has been initialized
func (s *Session) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// GetCapabilities returns the aggregated capabilities
func (s *Session) GetCapabilities() *mcp.ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(sm.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.cleanup()
		case <-sm.stopCleanup:
			return
		}
	}
}

func (sm *SessionManager) cleanup() {
	ctx := context.Background()

	// Cleanup in-memory sessions
	sm.mu.Lock()
	now := time.Now()
	for id, session := range sm.sessions {
		if now.After(session.ExpiresAt) {
			session.mu.Lock()
			for _, client := range session.clients {
				// Skip STDIO processes; they're managed by StdioManager
				if _, isStdio := client.(*stdio.Process); !isStdio {
					client.Close()
				}
			}
			session.mu.Unlock()
			delete(sm.sessions, id)
			telemetry.MCPSessionsActive.Add(ctx, -1)
			log.Debug().Str("session_id", id).Msg("Cleaned up expired session")
		}
	}
	sm.mu.Unlock()

	// Cleanup database sessions
	count, err := sm.repo.CleanupExpiredSessions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup expired sessions from database")
		return
	}

	if count > 0 {
		log.Info().Int64("count", count).Msg("Cleaned up expired sessions from database")
	}
}

// Recycle resets a session's upstream connections and updates identity context.
// HTTP clients are closed; STDIO processes are left to StdioManager.
func (s *Session) Recycle(newRole string, newGroups []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Close HTTP clients only (STDIO managed by StdioManager)
	for _, client := range s.clients {
		if _, isStdio := client.(*stdio.Process); !isStdio {
			client.Close()
		}
	}

	// Reset session state
	s.clients = make(map[string]mcp.MCPClient)
	s.targetIDs = make(map[string]uuid.UUID)
	s.toolMap = make(map[string]ToolMapping)
	s.resourceMap = make(map[string]ResourceMapping)
	s.promptMap = make(map[string]PromptMapping)
	s.initialized = false
	s.capabilities = nil

	// Update identity context
	s.Role = newRole
	s.Groups = newGroups

	log.Info().
		Str("session_id", s.ID).
		Str("new_role", newRole).
		Strs("new_groups", newGroups).
		Msg("Session recycled")
}

// NeedsRecycle returns true if the given role/groups differ from the session's stored values.
func (s *Session) NeedsRecycle(role string, groups []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.Role != role {
		return true
	}

	if groups == nil {
		groups = []string{}
	}
	sessionGroups := s.Groups
	if sessionGroups == nil {
		sessionGroups = []string{}
	}

	if len(sessionGroups) != len(groups) {
		return true
	}

	// Build a set for comparison (order-independent)
	groupSet := make(map[string]struct{}, len(sessionGroups))
	for _, g := range sessionGroups {
		groupSet[g] = struct{}{}
	}
	for _, g := range groups {
		if _, ok := groupSet[g]; !ok {
			return true
		}
	}

	return false
}

// SetAuthContext attaches the identity snapshot produced by dataplane
// authentication to the session, starting its refresh clock.
func (s *Session) SetAuthContext(ac *auth.AuthContext) {
	s.mu.Lock()
	s.authContext = ac
	s.authCtxAt = time.Now()
	s.mu.Unlock()
}

// RefreshAuthContext reloads the session's authContext from the database
// once AuthContextRefreshInterval has elapsed since the last refresh, per
// the dataplane's session attachment rule. A no-op for sessions that never
// attached a dataplane AuthContext (e.g. recovered from a pre-dataplane
// auth session). Returns auth.ErrUserDisabled or auth.ErrUserExpired if the
// user is no longer eligible; callers should close the session on error.
func (s *Session) RefreshAuthContext(ctx context.Context, repo *database.Repository) error {
	s.mu.RLock()
	ac := s.authContext
	due := ac != nil && time.Since(s.authCtxAt) >= auth.AuthContextRefreshInterval
	s.mu.RUnlock()

	if ac == nil || !due {
		return nil
	}

	user, err := repo.GetUserByID(ctx, s.UserID)
	if err != nil {
		return err
	}
	if user.Status != database.UserStatusEnabled {
		return auth.ErrUserDisabled
	}
	if user.IsExpired(time.Now()) {
		return auth.ErrUserExpired
	}

	s.mu.Lock()
	s.Role = user.Role
	s.Groups = user.Groups
	s.authContext.Role = user.Role
	s.authContext.Groups = user.Groups
	s.authContext.Status = user.Status
	s.authContext.Permissions = user.Permissions
	s.authContext.Preferences = user.UserPreferences
	s.authContext.LaunchConfigs = user.LaunchConfigs
	s.authContext.ExpiresAt = user.ExpiresAt
	s.authContext.RateLimit = user.RateLimit
	s.authCtxAt = time.Now()
	s.mu.Unlock()

	log.Debug().Str("session_id", s.ID).Str("user_id", s.UserID.String()).Msg("Refreshed dataplane auth context")
	return nil
}

// RecycleUserSessions recycles all sessions belonging to a user, returning the count.
func (sm *SessionManager) RecycleUserSessions(ctx context.Context, userID uuid.UUID) int {
	// Load fresh user data from DB
	user, err := sm.repo.GetUserByID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to load user for session recycle")
		return 0
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	count := 0
	for _, session := range sm.sessions {
		if session.UserID == userID {
			session.Recycle(user.Role, user.Groups)
			count++
		}
	}

	if count > 0 {
		log.Info().
			Str("user_id", userID.String()).
			Int("recycled", count).
			Msg("Recycled user sessions")
	}

	return count
}

// GetUserSessions returns every live session belonging to userID.
func (sm *SessionManager) GetUserSessions(userID uuid.UUID) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var sessions []*Session
	for _, session := range sm.sessions {
		if session.UserID == userID {
			sessions = append(sessions, session)
		}
	}
	return sessions
}

// Stop stops the session manager cleanup goroutine
func (sm *SessionManager) Stop() {
	close(sm.stopCleanup)
}

// Activate moves the session from Initializing to Active, following the first
// valid MCP initialize request.
func (s *Session) Activate() {
	s.mu.Lock()
	s.state = StateActive
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Touch refreshes lastActive; called on every forward request and SSE frame.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long the session has been idle.
func (s *Session) IdleFor() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastActive)
}

// SetSSEConnected records whether the session's SSE stream is currently attached.
func (s *Session) SetSSEConnected(connected bool) {
	s.mu.Lock()
	s.sseConnected = connected
	s.mu.Unlock()
}

// SSEConnected reports whether an SSE stream is currently attached.
func (s *Session) SSEConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sseConnected
}

// BeginClose transitions the session to Closing and drains pending reverse
// requests with a protocol error carrying the given reason.
func (s *Session) BeginClose(reason CloseReason) {
	s.mu.Lock()
	s.state = StateClosing
	pending := s.pending
	s.pending = make(map[string]*PendingReverseRequest)
	s.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- reverseResult{err: &mcp.JSONRPCError{
			Code:    mcp.InternalError,
			Message: fmt.Sprintf("session closing: %s", reason),
		}}
	}
}

// FinishClose transitions the session to Closed.
func (s *Session) FinishClose() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// RegisterReverseRequest allocates a uniformRequestId and stores the pending
// entry keyed by that id, per spec §4.3 step (ii)-(iv).
func (s *Session) RegisterReverseRequest(serverID uuid.UUID, originID json.RawMessage, method string) *PendingReverseRequest {
	gatewayID := fmt.Sprintf("%s_%d_%s", s.ID, time.Now().UnixMilli(), newSuffix())

	p := &PendingReverseRequest{
		GatewayID:       gatewayID,
		OriginServerID:  serverID,
		OriginRequestID: originID,
		Method:          method,
		resultCh:        make(chan reverseResult, 1),
	}

	s.mu.Lock()
	s.pending[gatewayID] = p
	s.mu.Unlock()

	return p
}

// ResolveReverseRequest delivers a client reply (or error) to the pending
// entry identified by gatewayID. Returns false if no such entry exists
// (already timed out, already resolved, or unknown id).
func (s *Session) ResolveReverseRequest(gatewayID string, result json.RawMessage, rpcErr *mcp.JSONRPCError) bool {
	s.mu.Lock()
	p, ok := s.pending[gatewayID]
	if ok {
		delete(s.pending, gatewayID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	p.resultCh <- reverseResult{result: result, err: rpcErr}
	return true
}

// AwaitReverseRequest blocks until the client replies, the timeout elapses, or
// the session closes. On timeout it removes its own pending entry from s so a
// late client reply is discarded rather than delivered to a stale waiter.
func (s *Session) AwaitReverseRequest(p *PendingReverseRequest, timeout time.Duration) (json.RawMessage, *mcp.JSONRPCError) {
	select {
	case r := <-p.resultCh:
		return r.result, r.err
	case <-time.After(timeout):
		s.mu.Lock()
		delete(s.pending, p.GatewayID)
		s.mu.Unlock()
		return nil, &mcp.JSONRPCError{
			Code:    mcp.InternalError,
			Message: fmt.Sprintf("Reverse request timeout: %s exceeded %dms", p.Method, timeout.Milliseconds()),
		}
	}
}
