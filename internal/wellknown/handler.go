// Package wellknown serves the OAuth discovery metadata documents spec §6
// requires: RFC 8414's authorization-server metadata and RFC 9728's
// protected-resource metadata. No teacher equivalent exists for these; they
// are mounted the way internal/docs mounts the Scalar UI handler, as a
// plain http.Handler the caller Mounts under "/".
package wellknown

import (
	"encoding/json"
	"net/http"
)

// authServerMetadata is the RFC 8414 document shape.
type authServerMetadata struct {
	Issuer                                   string   `json:"issuer"`
	AuthorizationEndpoint                     string   `json:"authorization_endpoint"`
	TokenEndpoint                             string   `json:"token_endpoint"`
	RegistrationEndpoint                      string   `json:"registration_endpoint"`
	RevocationEndpoint                        string   `json:"revocation_endpoint"`
	IntrospectionEndpoint                     string   `json:"introspection_endpoint"`
	ResponseTypesSupported                    []string `json:"response_types_supported"`
	GrantTypesSupported                       []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported         []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported             []string `json:"code_challenge_methods_supported"`
	ClientIDMetadataDocumentSupported         bool     `json:"client_id_metadata_document_supported"`
	ScopesSupported                           []string `json:"scopes_supported"`
}

// protectedResourceMetadata is the RFC 9728 document shape.
type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

var scopesSupported = []string{"mcp:tools", "mcp:resources", "mcp:prompts"}

// Handler returns the well-known metadata endpoints, rooted at baseURL
// (the gateway's externally-visible origin, no trailing slash).
func Handler(baseURL string) http.Handler {
	mux := http.NewServeMux()

	authMeta := authServerMetadata{
		Issuer:                             baseURL,
		AuthorizationEndpoint:              baseURL + "/oauth/authorize",
		TokenEndpoint:                      baseURL + "/oauth/token",
		RegistrationEndpoint:               baseURL + "/oauth/register",
		RevocationEndpoint:                 baseURL + "/oauth/revoke",
		IntrospectionEndpoint:              baseURL + "/oauth/introspect",
		ResponseTypesSupported:             []string{"code"},
		GrantTypesSupported:                []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported:  []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:      []string{"S256", "plain"},
		ClientIDMetadataDocumentSupported:  true,
		ScopesSupported:                    scopesSupported,
	}

	resourceMeta := protectedResourceMetadata{
		Resource:                baseURL + "/mcp",
		AuthorizationServers:    []string{baseURL},
		ScopesSupported:         scopesSupported,
		BearerMethodsSupported:  []string{"header"},
	}

	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, authMeta)
	})
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, resourceMeta)
	})
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, resourceMeta)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
