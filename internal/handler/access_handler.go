package handler

import (
	"net/http"

	"github.com/boddenberg/giftvault-bfa-go/internal/authz"
	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
)

// accessHandler answers the frontend's route guard: may the caller open
// the page at ?path=, and where to send them if not.
func accessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" || path[0] != '/' {
			writeError(w, http.StatusBadRequest, "path must be an absolute page path")
			return
		}

		action, guarded := authz.ActionForPath(path)
		if !guarded {
			writeJSON(w, http.StatusOK, domain.AccessDecision{Allowed: true})
			return
		}

		d := authz.Evaluate(PrincipalFromContext(r.Context()), action)
		writeJSON(w, http.StatusOK, domain.AccessDecision{Allowed: d.Allowed, Redirect: d.Redirect})
	}
}
