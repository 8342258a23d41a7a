package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dunia/mcp-gateway/internal/auth"
	"github.com/dunia/mcp-gateway/internal/database"
	"github.com/dunia/mcp-gateway/internal/k8s"
	"github.com/dunia/mcp-gateway/internal/mcp"
	"github.com/dunia/mcp-gateway/internal/stdio"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ServerStatus is the Server Context status machine of spec §3/§4.4:
// Connecting -> Online -> (Error | Sleeping | Offline).
type ServerStatus string

const (
	StatusConnecting ServerStatus = "Connecting"
	StatusOnline     ServerStatus = "Online"
	StatusError      ServerStatus = "Error"
	StatusSleeping   ServerStatus = "Sleeping"
	StatusOffline    ServerStatus = "Offline"
)

// ServerContext owns one upstream MCP client (shared, or per-user for
// allowUserInput targets) plus its status and resource-subscription index.
type ServerContext struct {
	TargetID   uuid.UUID
	TargetName string
	OwnerUser  *uuid.UUID // nil for shared contexts

	mu     sync.RWMutex
	status ServerStatus
	client mcp.MCPClient

	// subscribers is the set of sessionIds subscribed to each resource URI
	// this context has advertised, keyed by URI.
	subscribers map[string]map[string]struct{}
}

func newServerContext(targetID uuid.UUID, targetName string, owner *uuid.UUID) *ServerContext {
	return &ServerContext{
		TargetID:    targetID,
		TargetName:  targetName,
		OwnerUser:   owner,
		status:      StatusConnecting,
		subscribers: make(map[string]map[string]struct{}),
	}
}

// Status returns the context's current status.
func (c *ServerContext) Status() ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus transitions the context's status and logs a ServerStatusChange event.
func (c *ServerContext) SetStatus(s ServerStatus) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	c.mu.Unlock()
	if prev != s {
		log.Info().
			Str("target", c.TargetName).
			Str("from", string(prev)).
			Str("to", string(s)).
			Msg("ServerStatusChange")
	}
}

// Client returns the underlying MCP client, or nil if not yet connected.
func (c *ServerContext) Client() mcp.MCPClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *ServerContext) setClient(client mcp.MCPClient) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

// Subscribe records sessionId's subscription to uri.
func (c *ServerContext) Subscribe(sessionID, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subscribers[uri]
	if !ok {
		set = make(map[string]struct{})
		c.subscribers[uri] = set
	}
	set[sessionID] = struct{}{}
}

// Unsubscribe removes sessionId's subscription to uri.
func (c *ServerContext) Unsubscribe(sessionID, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.subscribers[uri]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(c.subscribers, uri)
		}
	}
}

// Subscribers returns the sessionIds subscribed to uri.
func (c *ServerContext) Subscribers(uri string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.subscribers[uri]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (c *ServerContext) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.status = StatusOffline
}

// ServerManager maintains the pool of Server Contexts: one shared context
// per target with allowUserInput=false, and one per (target, user) for
// allowUserInput=true targets. Grounded on Proxy.InitializeSession's
// WaitGroup+mutex parallel-connect pattern (internal/gateway/proxy.go),
// generalized from "connect once per session" into "connect once per pool
// entry, reused across sessions".
type ServerManager struct {
	repo         *database.Repository
	encryptor    *auth.TokenEncryptor
	stdioManager *stdio.Manager
	k8sManager   *k8s.Manager

	mu        sync.RWMutex
	shared    map[uuid.UUID]*ServerContext            // targetId -> context, allowUserInput=false
	temporary map[uuid.UUID]map[uuid.UUID]*ServerContext // targetId -> userId -> context, allowUserInput=true
}

// NewServerManager creates a ServerManager.
func NewServerManager(repo *database.Repository, encryptor *auth.TokenEncryptor, stdioManager *stdio.Manager, k8sManager *k8s.Manager) *ServerManager {
	return &ServerManager{
		repo:         repo,
		encryptor:    encryptor,
		stdioManager: stdioManager,
		k8sManager:   k8sManager,
		shared:       make(map[uuid.UUID]*ServerContext),
		temporary:    make(map[uuid.UUID]map[uuid.UUID]*ServerContext),
	}
}

// ConnectAllServers enumerates enabled, non-allowUserInput targets and
// connects each one right away and concurrently, returning the success/failure split.
func (m *ServerManager) ConnectAllServers(ctx context.Context, token string) (success []string, failed []string) {
	targets, err := m.repo.GetEnabledTargets(ctx)
	if err != nil {
		log.Error().Err(err).Msg("ConnectAllServers: failed to list targets")
		return nil, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, target := range targets {
		if target.AllowUserInput {
			continue // connected lazily on first per-user configuration instead
		}
		wg.Add(1)
		go func(t *database.Target) {
			defer wg.Done()
			if err := m.connectShared(ctx, t, token); err != nil {
				mu.Lock()
				failed = append(failed, t.Name)
				mu.Unlock()
				log.Error().Err(err).Str("target", t.Name).Msg("ServerInit failed")
				return
			}
			mu.Lock()
			success = append(success, t.Name)
			mu.Unlock()
		}(target)
	}

	wg.Wait()
	return success, failed
}

func (m *ServerManager) connectShared(ctx context.Context, target *database.Target, token string) error {
	m.mu.Lock()
	sc, exists := m.shared[target.ID]
	if !exists {
		sc = newServerContext(target.ID, target.Name, nil)
		m.shared[target.ID] = sc
	}
	m.mu.Unlock()

	return m.dial(ctx, sc, target, token)
}

func (m *ServerManager) dial(ctx context.Context, sc *ServerContext, target *database.Target, token string) error {
	sc.SetStatus(StatusConnecting)

	client, err := createClientForTarget(ctx, target, token, m.stdioManager, m.k8sManager)
	if err != nil {
		sc.SetStatus(StatusError)
		return err
	}

	if _, err := client.Initialize(ctx, &mcp.InitializeParams{ProtocolVersion: mcp.MCPProtocolVersion}); err != nil {
		client.Close()
		sc.SetStatus(StatusError)
		return err
	}

	sc.setClient(client)
	sc.SetStatus(StatusOnline)
	log.Info().Str("target", target.Name).Msg("ServerInit")
	return nil
}

// GetShared returns the shared ServerContext for targetID, creating a
// Connecting-state placeholder if none exists yet (the caller should then
// retry or wake it).
func (m *ServerManager) GetShared(targetID uuid.UUID, targetName string) *ServerContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.shared[targetID]
	if !ok {
		sc = newServerContext(targetID, targetName, nil)
		m.shared[targetID] = sc
	}
	return sc
}

// CreateTemporaryServer connects a per-user Server Context for an
// allowUserInput target, per spec §4.4's createTemporaryServer(userId,
// serverEntity, userToken).
func (m *ServerManager) CreateTemporaryServer(ctx context.Context, userID uuid.UUID, target *database.Target, userToken string) (*ServerContext, error) {
	if !target.AllowUserInput {
		return nil, fmt.Errorf("target %s does not allow per-user input", target.Name)
	}

	m.mu.Lock()
	byUser, ok := m.temporary[target.ID]
	if !ok {
		byUser = make(map[uuid.UUID]*ServerContext)
		m.temporary[target.ID] = byUser
	}
	sc, exists := byUser[userID]
	if !exists {
		owner := userID
		sc = newServerContext(target.ID, target.Name, &owner)
		byUser[userID] = sc
	}
	m.mu.Unlock()

	if err := m.dial(ctx, sc, target, userToken); err != nil {
		return nil, err
	}
	return sc, nil
}

// CloseTemporaryServer tears down userID's per-user context for targetID.
func (m *ServerManager) CloseTemporaryServer(targetID, userID uuid.UUID) {
	m.mu.Lock()
	byUser, ok := m.temporary[targetID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sc, ok := byUser[userID]
	if ok {
		delete(byUser, userID)
	}
	if len(byUser) == 0 {
		delete(m.temporary, targetID)
	}
	m.mu.Unlock()

	if ok {
		sc.close()
		log.Info().Str("target", sc.TargetName).Str("user_id", userID.String()).Msg("ServerClose")
	}
}

// HealthCheck maps every pooled targetId to its current status.
func (m *ServerManager) HealthCheck() map[uuid.UUID]ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[uuid.UUID]ServerStatus, len(m.shared))
	for id, sc := range m.shared {
		out[id] = sc.Status()
	}
	for _, byUser := range m.temporary {
		for _, sc := range byUser {
			// A per-user context's health rolls up into the target's entry as
			// Online if any instance is Online; callers wanting per-user detail
			// should query CreateTemporaryServer's returned context directly.
			if existing, ok := out[sc.TargetID]; !ok || (existing != StatusOnline && sc.Status() == StatusOnline) {
				out[sc.TargetID] = sc.Status()
			}
		}
	}
	return out
}

// GetResourceSubscribers returns the sessionIds subscribed to
// "<serverId>::<uri>", per spec §4.4's getResourceSubscribers(key).
func (m *ServerManager) GetResourceSubscribers(key string) []string {
	targetID, uri, ok := splitSubscriptionKey(key)
	if !ok {
		return nil
	}

	m.mu.RLock()
	sc, ok := m.shared[targetID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return sc.Subscribers(uri)
}

func splitSubscriptionKey(key string) (uuid.UUID, string, bool) {
	const sep = "::"
	idx := strings.Index(key, sep)
	if idx < 0 {
		return uuid.UUID{}, "", false
	}
	id, err := uuid.Parse(key[:idx])
	if err != nil {
		return uuid.UUID{}, "", false
	}
	return id, key[idx+len(sep):], true
}

// Shutdown closes every pooled Server Context (ServerClose log per context),
// called during process shutdown per spec §5.
func (m *ServerManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sc := range m.shared {
		sc.close()
	}
	for _, byUser := range m.temporary {
		for _, sc := range byUser {
			sc.close()
		}
	}
}

// WakeSleeping attempts a single reconnect of a Sleeping context, per the
// "single wake-on-demand attempt, 10s timeout, no automatic retry" decision
// recorded in SPEC_FULL.md's Open Questions.
func (m *ServerManager) WakeSleeping(ctx context.Context, sc *ServerContext, target *database.Target, token string) error {
	if sc.Status() != StatusSleeping {
		return nil
	}
	wakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.dial(wakeCtx, sc, target, token)
}

// createClientForTarget dials target's transport for a pool-level (not
// per-session) Server Context. Grounded on Proxy's createHTTPClient/
// createStdioClient/createK8sClient (internal/gateway/proxy.go), simplified
// for a connection with no single owning user: no env configs are resolved
// and the legacy-token path is skipped. The only credential is token, passed
// as AUTH_TOKEN (STDIO, Kubernetes) or cfg.AuthToken (HTTP) when non-empty.
func createClientForTarget(ctx context.Context, target *database.Target, token string, stdioManager *stdio.Manager, k8sManager *k8s.Manager) (mcp.MCPClient, error) {
	switch target.TransportType {
	case "stdio":
		if stdioManager == nil {
			return nil, fmt.Errorf("STDIO manager not configured")
		}
		if target.Command == "" {
			return nil, fmt.Errorf("STDIO target %s has no command configured", target.Name)
		}
		subjectKey := "shared:" + target.ID.String()
		env := []string{}
		if token != "" {
			env = append(env, "AUTH_TOKEN="+token)
		}
		proc, err := stdioManager.GetOrCreateForTarget(ctx, subjectKey, target, env)
		if err != nil {
			return nil, err
		}
		return proc, nil
	case "kubernetes":
		if k8sManager == nil {
			return nil, fmt.Errorf("Kubernetes manager not configured")
		}
		if target.Image == "" {
			return nil, fmt.Errorf("Kubernetes target %s has no image configured", target.Name)
		}
		subjectKey := "shared:" + target.ID.String()
		envConfigs := map[string]string{}
		if token != "" {
			envConfigs["AUTH_TOKEN"] = token
		}
		return k8sManager.GetOrCreate(ctx, subjectKey, target, envConfigs)
	default:
		cfg := mcp.ClientConfig{
			URL:           target.URL,
			CustomHeaders: make(map[string]string),
			TransportType: mcp.TransportType(target.TransportType),
			AuthToken:     token,
		}
		if target.AuthHeaderName != "" {
			cfg.AuthHeader = target.AuthHeaderName
		}
		return mcp.NewClient(cfg), nil
	}
}
