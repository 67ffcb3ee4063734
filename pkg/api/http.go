package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NeatMonster/IDAConnect/pkg/logger"
	"github.com/NeatMonster/IDAConnect/pkg/registry"
	"github.com/NeatMonster/IDAConnect/pkg/store"
	"github.com/NeatMonster/IDAConnect/pkg/utils"
)

// Handler returns the HTTP surface of the server:
//   - GET  /healthz: liveness probe
//   - GET  /metrics: prometheus metrics
//   - GET  /v1/projects: list known projects
//   - GET  /v1/projects/{project}/branches: list branches with metadata
//   - POST /v1/projects/{project}/branches: create a branch explicitly
//   - GET  /connect: websocket upgrade into a collaboration session
func Handler(st *store.Store, reg *registry.Registry, session http.Handler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !st.Ready() {
			utils.JSONError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/connect", session)

	r.HandleFunc("/v1/projects", func(w http.ResponseWriter, _ *http.Request) {
		projects, err := st.ListProjects()
		if err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"projects": projects})
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/projects/{project}/branches", func(w http.ResponseWriter, r *http.Request) {
		project := mux.Vars(r)["project"]
		if !registry.ValidName(project) {
			utils.JSONError(w, http.StatusBadRequest, "invalid project name")
			return
		}
		if _, err := st.GetProject(project); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				utils.JSONError(w, http.StatusNotFound, "unknown project")
				return
			}
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		branches, err := st.ListBranches(project)
		if err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"branches": branches})
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/projects/{project}/branches", func(w http.ResponseWriter, r *http.Request) {
		project := mux.Vars(r)["project"]
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		br, err := reg.ResolveOrCreate(project, body.Name)
		if err != nil {
			if errors.Is(err, registry.ErrBadName) {
				utils.JSONError(w, http.StatusBadRequest, "invalid project or branch name")
				return
			}
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		logger.Info("branch_ensured", "project", project, "branch", body.Name)
		_ = utils.JSONWrite(w, http.StatusCreated, br.Meta())
	}).Methods(http.MethodPost)

	return r
}
