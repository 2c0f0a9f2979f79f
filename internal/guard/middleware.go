// Package guard gates navigation into role-restricted areas using the
// reconciliation core's snapshot, never the raw credential claim.
package guard

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/vanguard-airsoft/vanguard/internal/reconcile"
	"github.com/vanguard-airsoft/vanguard/internal/roles"
	"github.com/vanguard-airsoft/vanguard/internal/shared"
)

type stateContextKey struct{}

// ContextWithState stores the reconciled state in context for handlers
// downstream of the guard.
func ContextWithState(ctx context.Context, st reconcile.State) context.Context {
	return context.WithValue(ctx, stateContextKey{}, st)
}

// StateFromContext extracts the reconciled state placed by the guard.
func StateFromContext(ctx context.Context) (reconcile.State, bool) {
	st, ok := ctx.Value(stateContextKey{}).(reconcile.State)
	return st, ok
}

// Guard builds role-gating middleware.
type Guard struct {
	Core      *reconcile.Core
	Logger    *slog.Logger
	LoginPath string
	HomePath  string
}

// RequireRole admits requests whose reconciled role sits at or above min.
// Three outcomes: a session still reconciling gets a neutral waiting response
// (no premature redirect), a missing session or profile redirects to sign-in
// with the original path preserved, and an insufficient role redirects home
// with a one-time denial notice that names no roles.
func (g Guard) RequireRole(min roles.Role) func(http.Handler) http.Handler {
	loginPath := g.LoginPath
	if loginPath == "" {
		loginPath = "/auth/login"
	}
	homePath := g.HomePath
	if homePath == "" {
		homePath = "/"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := shared.SessionFromContext(r.Context())
			if sess == nil || sess.Subject() == "" {
				redirectToLogin(w, r, loginPath)
				return
			}

			st, ok := g.Core.Snapshot(sess.Subject())
			if !ok {
				if token := sess.RefreshToken(); token != "" {
					// Live browser session, no usable in-process state (e.g.
					// after a restart, or the credential expired). Refresh
					// now so the rotated token pair lands in the session,
					// then report the loading state while the snapshot
					// rebuilds.
					cred, err := g.Core.Resume(r.Context(), token)
					if err != nil {
						if g.Logger != nil {
							g.Logger.Warn("session resume", slog.Any("error", err))
						}
						sess.ClearCredential()
						redirectToLogin(w, r, loginPath)
						return
					}
					sess.SetCredential(cred.Subject(), cred.AccessToken, cred.RefreshToken)
					respondLoading(w)
					return
				}
				redirectToLogin(w, r, loginPath)
				return
			}

			if st.Loading {
				respondLoading(w)
				return
			}

			// A self-heal or resume rotates the refresh token out from under
			// the browser session; rebind so the stored pair stays redeemable.
			if st.Credential != nil && st.Credential.RefreshToken != sess.RefreshToken() {
				sess.SetCredential(st.Credential.Subject(), st.Credential.AccessToken, st.Credential.RefreshToken)
			}

			if st.Profile == nil {
				redirectToLogin(w, r, loginPath)
				return
			}

			if !st.DBRole.AtLeast(min) {
				sess.AddFlash(shared.FlashMessage{Kind: "error", Message: "insufficient permissions"})
				http.Redirect(w, r, homePath, http.StatusSeeOther)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithState(r.Context(), st)))
		})
	}
}

// RequireAdminArea admits editors and above, the entry bar for admin screens.
func (g Guard) RequireAdminArea() func(http.Handler) http.Handler {
	return g.RequireRole(roles.RoleEditor)
}

func redirectToLogin(w http.ResponseWriter, r *http.Request, loginPath string) {
	target := loginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func respondLoading(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	shared.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "authorizing"})
}
