package target

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/roach88/meshsync/internal/ir"
)

// APIPrefix is the path prefix of every REST route.
const APIPrefix = "/api/v2"

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error    string         `json:"error"`
	Message  string         `json:"message"`
	Kind     string         `json:"kind,omitempty"`
	Name     string         `json:"name,omitempty"`
	Conflict *ConflictError `json:"conflict,omitempty"`
}

type createBranchRequest struct {
	Name string `json:"name"`
	Base string `json:"base,omitempty"`
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

type roleRequest struct {
	Name string `json:"name"`
}

type permissionsRequest struct {
	Element     Element  `json:"element"`
	Permissions []string `json:"permissions"`
}

type jobResponse struct {
	Job string `json:"job,omitempty"`
}

type schemaUpdateResponse struct {
	Schema ir.SchemaDescriptor `json:"schema"`
	Job    string              `json:"job,omitempty"`
}

// Server exposes a Repository over the REST API spoken by Client.
type Server struct {
	repo   Repository
	router *mux.Router
}

// NewServer builds the route table for repo.
func NewServer(repo Repository) *Server {
	s := &Server{repo: repo, router: mux.NewRouter()}
	api := s.router.PathPrefix(APIPrefix).Subrouter()

	api.HandleFunc("/projects", s.handleProjects).Methods("GET")
	api.HandleFunc("/projects", s.handleCreateProject).Methods("POST")
	api.HandleFunc("/projects/{uuid}", s.handleUpdateProject).Methods("PUT")

	api.HandleFunc("/schemas", s.handleSchemas).Methods("GET")
	api.HandleFunc("/schemas", s.handleCreateSchema).Methods("POST")
	api.HandleFunc("/schemas/{name}", s.handleUpdateSchema).Methods("PUT")

	api.HandleFunc("/projects/{project}/schemas", s.handleProjectSchemas).Methods("GET")
	api.HandleFunc("/projects/{project}/schemas/{name}", s.handleAssignSchema).Methods("POST")

	api.HandleFunc("/projects/{project}/branches", s.handleBranches).Methods("GET")
	api.HandleFunc("/projects/{project}/branches", s.handleCreateBranch).Methods("POST")
	api.HandleFunc("/projects/{project}/branches/{branch}/tags", s.handleTagBranch).Methods("PUT")
	api.HandleFunc("/projects/{project}/branches/{branch}/pins", s.handlePinSchema).Methods("POST")

	api.HandleFunc("/projects/{project}/branches/{branch}/nodes/{uuid}", s.handleNode).Methods("GET")
	api.HandleFunc("/projects/{project}/branches/{branch}/nodes/{uuid}", s.handleUpsertNode).Methods("PUT")
	api.HandleFunc("/projects/{project}/branches/{branch}/nodes/{uuid}", s.handleDeleteNode).Methods("DELETE")
	api.HandleFunc("/projects/{project}/branches/{branch}/nodes/{uuid}/languages", s.handleNodeLanguages).Methods("GET")

	api.HandleFunc("/roles", s.handleRoles).Methods("GET")
	api.HandleFunc("/roles", s.handleCreateRole).Methods("POST")
	api.HandleFunc("/roles/{role}/permissions", s.handleSetPermissions).Methods("PUT")
	api.HandleFunc("/permissions", s.handlePermissions).Methods("GET")

	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.repo.Projects(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var p Project
	if !decode(w, r, &p) {
		return
	}
	if err := s.repo.CreateProject(r.Context(), p); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var p Project
	if !decode(w, r, &p) {
		return
	}
	p.UUID = mux.Vars(r)["uuid"]
	if err := s.repo.UpdateProject(r.Context(), p); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func schemaKind(r *http.Request) ir.SchemaKind {
	if r.URL.Query().Get("kind") == string(ir.KindMicroschema) {
		return ir.KindMicroschema
	}
	return ir.KindSchema
}

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := s.repo.Schemas(r.Context(), schemaKind(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, schemas)
}

func (s *Server) handleCreateSchema(w http.ResponseWriter, r *http.Request) {
	var desc ir.SchemaDescriptor
	if !decode(w, r, &desc) {
		return
	}
	created, err := s.repo.CreateSchema(r.Context(), desc)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	var desc ir.SchemaDescriptor
	if !decode(w, r, &desc) {
		return
	}
	desc.Name = mux.Vars(r)["name"]
	updated, job, err := s.repo.UpdateSchema(r.Context(), desc)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, schemaUpdateResponse{Schema: updated, Job: job})
}

func (s *Server) handleProjectSchemas(w http.ResponseWriter, r *http.Request) {
	refs, err := s.repo.ProjectSchemas(r.Context(), mux.Vars(r)["project"], schemaKind(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, refs)
}

func (s *Server) handleAssignSchema(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.repo.AssignSchema(r.Context(), vars["project"], schemaKind(r), vars["name"]); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.repo.Branches(r.Context(), mux.Vars(r)["project"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, branches)
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req createBranchRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.repo.CreateBranch(r.Context(), mux.Vars(r)["project"], req.Name, req.Base); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleTagBranch(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	if err := s.repo.TagBranch(r.Context(), vars["project"], vars["branch"], req.Tags); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePinSchema(w http.ResponseWriter, r *http.Request) {
	var ref ir.SchemaRef
	if !decode(w, r, &ref) {
		return
	}
	vars := mux.Vars(r)
	job, err := s.repo.PinSchema(r.Context(), vars["project"], vars["branch"], ref)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobResponse{Job: job})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.repo.Node(r.Context(), vars["project"], vars["branch"], r.URL.Query().Get("lang"), vars["uuid"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) handleUpsertNode(w http.ResponseWriter, r *http.Request) {
	var n Node
	if !decode(w, r, &n) {
		return
	}
	vars := mux.Vars(r)
	n.UUID = vars["uuid"]
	if err := s.repo.UpsertNode(r.Context(), vars["project"], vars["branch"], n); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteNode removes the whole node, or one language variant when
// the lang query parameter is set.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var err error
	if lang := r.URL.Query().Get("lang"); lang != "" {
		err = s.repo.DeleteNodeLanguage(r.Context(), vars["project"], vars["branch"], lang, vars["uuid"])
	} else {
		err = s.repo.DeleteNode(r.Context(), vars["project"], vars["branch"], vars["uuid"])
	}
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNodeLanguages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	langs, err := s.repo.NodeLanguages(r.Context(), vars["project"], vars["branch"], vars["uuid"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, langs)
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.repo.Roles(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, roles)
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.repo.CreateRole(r.Context(), req.Name); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	e := Element{Kind: ElementKind(q.Get("kind")), Project: q.Get("project"), Name: q.Get("name")}
	perms, err := s.repo.Permissions(r.Context(), e)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, perms)
}

func (s *Server) handleSetPermissions(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.repo.SetPermissions(r.Context(), mux.Vars(r)["role"], req.Element, req.Permissions); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "invalid request payload: " + err.Error()})
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

// respondError maps repository errors onto status codes: 404 for missing
// entities, 409 for sibling conflicts, 503 for transient failures.
func respondError(w http.ResponseWriter, err error) {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		respondJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error(), Kind: nf.Kind, Name: nf.Name})
		return
	}
	if ce, ok := AsConflict(err); ok {
		respondJSON(w, http.StatusConflict, errorBody{Error: "conflict", Message: err.Error(), Conflict: ce})
		return
	}
	if IsTransient(err) {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: err.Error()})
		return
	}
	respondJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: err.Error()})
}
