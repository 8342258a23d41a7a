package wellknown

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthorizationServerMetadataShape(t *testing.T) {
	h := Handler("https://gateway.example.com")
	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var meta authServerMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if meta.Issuer != "https://gateway.example.com" {
		t.Fatalf("expected issuer to equal baseURL, got %q", meta.Issuer)
	}
	if !meta.ClientIDMetadataDocumentSupported {
		t.Fatal("client_id_metadata_document_supported must be true per SEP-991")
	}
	if len(meta.GrantTypesSupported) != 2 {
		t.Fatalf("expected authorization_code and refresh_token grant types, got %v", meta.GrantTypesSupported)
	}
}

func TestProtectedResourceMetadataMcpSuffix(t *testing.T) {
	h := Handler("https://gateway.example.com")

	for _, path := range []string{"/.well-known/oauth-protected-resource", "/.well-known/oauth-protected-resource/mcp"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		var meta protectedResourceMetadata
		if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
			t.Fatalf("%s: failed to decode response: %v", path, err)
		}
		if meta.Resource != "https://gateway.example.com/mcp" {
			t.Fatalf("%s: expected resource to be baseURL+/mcp, got %q", path, meta.Resource)
		}
	}
}
