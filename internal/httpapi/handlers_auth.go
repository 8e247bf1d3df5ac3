package httpapi

import (
	"net/http"

	"github.com/halyard-io/halyard/internal/auth"
	"github.com/halyard-io/halyard/internal/logging"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	User         *auth.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	user, pair, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         user,
	})
	return nil
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) error {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	user, pair, err := s.auth.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         user,
	})
	return nil
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	access, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
	return nil
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	user, err := s.auth.GetUser(r.Context(), p.UserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, user)
	return nil
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	p := PrincipalFrom(r.Context())
	if err := s.auth.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

// handleLogout is advisory: tokens are stateless, so the client discards
// them. The event is logged for audit.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) error {
	p := PrincipalFrom(r.Context())
	log := logging.FromContext(r.Context())
	log.Info().Str("user_id", p.UserID).Msg("logout")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}
