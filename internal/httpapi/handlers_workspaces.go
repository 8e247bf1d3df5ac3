package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/halyard-io/halyard/internal/workspace"
)

type createWorkspaceRequest struct {
	Name       string      `json:"name"`
	Slug       string      `json:"slug"`
	IsPersonal bool        `json:"is_personal"`
	Settings   interface{} `json:"settings"`
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) error {
	var req createWorkspaceRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	p := PrincipalFrom(r.Context())
	ws, err := s.workspaces.Create(r.Context(), p.UserID, req.Name, req.Slug, req.IsPersonal, req.Settings)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, ws)
	return nil
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	list, err := s.workspaces.List(r.Context(), p.UserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workspaces": list})
	return nil
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	ws, err := s.workspaces.Get(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, ws)
	return nil
}

func (s *Server) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) error {
	var patch workspace.UpdatePatch
	if err := decodeBody(r, &patch); err != nil {
		return err
	}
	p := PrincipalFrom(r.Context())
	ws, err := s.workspaces.Update(r.Context(), p.UserID, chi.URLParam(r, "id"), patch)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, ws)
	return nil
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	if err := s.workspaces.Delete(r.Context(), p.UserID, chi.URLParam(r, "id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	members, err := s.workspaces.ListMembers(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": members})
	return nil
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	p := PrincipalFrom(r.Context())
	member, err := s.workspaces.AddMember(r.Context(), p.UserID, chi.URLParam(r, "id"), req.UserID, req.Role)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, member)
	return nil
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	err := s.workspaces.RemoveMember(r.Context(), p.UserID, chi.URLParam(r, "id"), chi.URLParam(r, "userID"))
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	invites, err := s.workspaces.ListInvites(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invites": invites})
	return nil
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	p := PrincipalFrom(r.Context())
	inv, err := s.workspaces.Invite(r.Context(), p.UserID, chi.URLParam(r, "id"), req.Email, req.Role)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, inv)
	return nil
}

func (s *Server) handleRevokeInvite(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	err := s.workspaces.RevokeInvite(r.Context(), p.UserID, chi.URLParam(r, "id"), chi.URLParam(r, "inviteID"))
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	member, err := s.workspaces.AcceptInvite(r.Context(), p.UserID, p.Email, chi.URLParam(r, "token"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, member)
	return nil
}
