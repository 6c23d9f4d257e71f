package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/membership"
	"github.com/amurg-ai/relay/hub/internal/store"
)

type createGroupRequest struct {
	Name string `json:"name" validate:"required,min=3,max=64,handle"`
}

type addMemberRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64,handle"`
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	groups, err := s.store.ListGroupsByMember(r.Context(), identity.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list groups")
		return
	}
	if groups == nil {
		groups = []store.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var req createGroupRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := auth.ValidateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A group named after a user would shadow that user's private conversation.
	if u, err := s.store.GetUser(r.Context(), req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check name")
		return
	} else if u != nil {
		writeError(w, http.StatusConflict, "name is taken")
		return
	}

	group := &store.Group{
		Name:    req.Name,
		Creator: identity.Username,
		Members: []string{identity.Username},
	}
	if err := s.store.CreateGroup(r.Context(), group); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "group already exists")
			return
		}
		s.logger.Error("create group failed", "group", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create group")
		return
	}

	s.audit(r.Context(), auditGroupCreate, identity.Username, group.Name, nil)
	writeJSON(w, http.StatusCreated, group)
}

// loadGroup fetches the named group, writing 404 when it does not exist.
func (s *Server) loadGroup(w http.ResponseWriter, r *http.Request) (*store.Group, bool) {
	name := chi.URLParam(r, "name")
	g, err := s.store.GetGroup(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get group")
		return nil, false
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return nil, false
	}
	return g, true
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	g, ok := s.loadGroup(w, r)
	if !ok {
		return
	}
	if !membership.HasMember(g, identity.Username) && !identity.IsAdmin() {
		writeError(w, http.StatusForbidden, "not a member of this group")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	g, ok := s.loadGroup(w, r)
	if !ok {
		return
	}
	if g.Creator != identity.Username && !identity.IsAdmin() {
		writeError(w, http.StatusForbidden, "only the group creator can add members")
		return
	}

	var req addMemberRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := auth.ValidateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Externally issued identities have no local account to check.
	if s.loginProvider != nil {
		u, err := s.store.GetUser(r.Context(), req.Username)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get user")
			return
		}
		if u == nil {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
	}

	if err := s.store.AddGroupMember(r.Context(), g.Name, req.Username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		s.logger.Error("add group member failed", "group", g.Name, "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}
	if !lo.Contains(g.Members, req.Username) {
		g.Members = append(g.Members, req.Username)
	}

	s.audit(r.Context(), auditGroupMemberAdd, identity.Username, g.Name, map[string]string{"member": req.Username})
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	g, ok := s.loadGroup(w, r)
	if !ok {
		return
	}
	username := chi.URLParam(r, "username")
	if g.Creator != identity.Username && username != identity.Username && !identity.IsAdmin() {
		writeError(w, http.StatusForbidden, "only the group creator can remove other members")
		return
	}

	if err := s.store.RemoveGroupMember(r.Context(), g.Name, username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not a member")
			return
		}
		s.logger.Error("remove group member failed", "group", g.Name, "username", username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove member")
		return
	}

	s.audit(r.Context(), auditGroupMemberRemove, identity.Username, g.Name, map[string]string{"member": username})
	w.WriteHeader(http.StatusNoContent)
}
