package main

import (
	"encoding/json"
	"net/http"

	"github.com/ggoodman/plexusd/auth"
	"github.com/ggoodman/plexusd/internal/wellknown"
)

// protectedResourceHandler serves RFC 9728 protected-resource metadata
// describing this server's authorization server, so a client that receives
// a 401 with a resource_metadata challenge parameter can discover how to
// obtain a token.
func protectedResourceHandler(sp auth.SecurityProvider, resource string) http.HandlerFunc {
	sec := sp.SecurityConfig()
	meta := wellknown.ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{sec.Issuer},
		BearerMethodsSupported: []string{"header"},
	}
	if sec.OIDC != nil {
		meta.ScopesSupported = sec.OIDC.ScopesSupported
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(meta)
	}
}
