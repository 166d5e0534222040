package controlapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/apperr"
	"github.com/casarerpa/orchestrator/internal/gateway"
)

// tenantHeader names the header a caller uses to select the tenant a
// bearer/API-key credential should be bound to, mirroring the teacher's
// single-header tenant-selection convention.
const tenantHeader = "X-Tenant-ID"

// authenticate resolves the request's credential into a domain.Principal
// and binds it onto the request context via gateway.SetContext, the same
// (tenant, principal) pair every downstream service call requires.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, tenantID, err := extractCredential(r)
		if err != nil {
			writeError(w, err)
			return
		}

		session, err := a.gw.Authenticate(r.Context(), tenantID, cred)
		if err != nil {
			writeError(w, err)
			return
		}

		tenant, err := a.store.GetTenant(r.Context(), session.Principal.TenantID)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := a.gw.SetContext(r.Context(), tenant, session.Principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractCredential(r *http.Request) (gateway.Credential, uuid.UUID, error) {
	var tenantID uuid.UUID
	if raw := r.Header.Get(tenantHeader); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return gateway.Credential{}, uuid.Nil, apperr.New(apperr.Validation, "controlapi.extractCredential", "malformed "+tenantHeader)
		}
		tenantID = parsed
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return gateway.Credential{APIKey: key}, tenantID, nil
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return gateway.Credential{Token: strings.TrimPrefix(auth, "Bearer ")}, tenantID, nil
	}
	return gateway.Credential{}, uuid.Nil, apperr.New(apperr.Unauthenticated, "controlapi.extractCredential", "missing credential")
}

// authorize returns middleware enforcing (resource, action) against the
// principal authenticate already bound to the request context.
func (a *API) authorize(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bc, err := gateway.FromContext(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			if err := a.gw.Authorize(r.Context(), bc.Principal, bc.Tenant.ID, resource, action); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
