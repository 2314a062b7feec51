package router

import (
	"net/http"
	"strings"

	"github.com/lilseedabe/genbroker/internal/auth"
	"github.com/lilseedabe/genbroker/internal/dashboard"
	"github.com/lilseedabe/genbroker/internal/jobs"
	"github.com/lilseedabe/genbroker/internal/middleware"
)

// New returns an http.Handler that serves the API under /api/v1. Everything
// except register, login, models and the health check requires a Bearer
// credential (member JWT or bot API key).
func New(authHandler *auth.Handler, jobsHandler *jobs.Handler, dashHandler *dashboard.Handler, authn middleware.Authenticator) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"
	authed := middleware.Authenticate(authn)

	mux.HandleFunc(base+"/auth/register", methodPOST(authHandler.Register))
	mux.HandleFunc(base+"/auth/login", methodPOST(authHandler.Login))
	mux.HandleFunc(base+"/models", methodGET(dashHandler.ListModels))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle(base+"/auth/redeem", authed(methodPOST(authHandler.Redeem)))
	mux.Handle(base+"/auth/api-keys", authed(methodPOST(authHandler.CreateAPIKey)))
	mux.Handle(base+"/auth/discord", authed(methodPOST(authHandler.LinkDiscord)))

	mux.Handle(base+"/jobs", authed(jobsCollection(jobsHandler)))
	mux.Handle(base+"/jobs/", authed(jobsItem(jobsHandler)))

	mux.Handle(base+"/me", authed(methodGET(dashHandler.GetMe)))
	mux.Handle(base+"/credits/balance", authed(methodGET(dashHandler.GetBalance)))
	mux.Handle(base+"/credits/history", authed(methodGET(dashHandler.GetHistory)))
	mux.Handle(base+"/credits/usage", authed(methodGET(dashHandler.GetUsageStats)))

	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func jobsCollection(h *jobs.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.CreateJob(w, r)
		case http.MethodGet:
			h.ListJobs(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// jobsItem serves /jobs/{id} and /jobs/{id}/cancel.
func jobsItem(h *jobs.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
			h.CancelJob(w, r)
		case r.Method == http.MethodGet:
			h.GetJob(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}
