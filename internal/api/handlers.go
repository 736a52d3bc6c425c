package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"
	"github.com/dappnode/validator-launcher/internal/logger"
)

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.WarnWithPrefix("api", "Failed to encode response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Kind: kind, Message: message})
}

// writeStoreError maps store sentinel errors onto HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ports.ErrDuplicateKey):
		writeError(w, http.StatusConflict, "duplicate_key", err.Error())
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ports.ErrInconsistent):
		writeError(w, http.StatusConflict, "store_inconsistent", err.Error())
	case errors.Is(err, ports.ErrPartialRemoval):
		writeError(w, http.StatusInternalServerError, "partial_removal", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Liveness only: the controller process is up.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.readiness.Current())
}

type launchStatusResponse struct {
	domain.LaunchStatus
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
}

func (s *Server) handleLaunchStatus(w http.ResponseWriter, r *http.Request) {
	status := s.launcher.Status()
	resp := launchStatusResponse{LaunchStatus: status}
	if status.State == domain.LaunchRunning && !status.StartedAt.IsZero() {
		resp.UptimeSeconds = time.Since(status.StartedAt).Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLaunchStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	s.launcher.RequestStart()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleLaunchStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	s.launcher.RequestStop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleLaunchHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "not_found", "launch journal is not configured")
		return
	}
	events, err := s.journal.RecentLaunchEvents(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type addKeystoreRequest struct {
	Keystore json.RawMessage `json:"keystore"`
	Password string          `json:"password,omitempty"`
}

type keystoreInfo struct {
	PublicKey domain.PublicKey `json:"public_key"`
	KDF       string           `json:"kdf"`
	Path      string           `json:"path,omitempty"`
}

func (s *Server) handleKeystores(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listKeystores(w)
	case http.MethodPost:
		s.addKeystore(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
	}
}

func (s *Server) listKeystores(w http.ResponseWriter) {
	keystores := s.store.List()
	infos := make([]keystoreInfo, 0, len(keystores))
	for _, ks := range keystores {
		infos = append(infos, keystoreInfo{PublicKey: ks.PublicKey, KDF: ks.KDF, Path: ks.Path})
	}
	inconsistent, reason := s.store.Inconsistent()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keystores":           infos,
		"inconsistent":        inconsistent,
		"inconsistent_reason": reason,
	})
}

func (s *Server) addKeystore(w http.ResponseWriter, r *http.Request) {
	var req addKeystoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be JSON with a keystore field")
		return
	}
	if len(req.Keystore) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "keystore field is required")
		return
	}

	validated, err := s.validator.Validate(req.Keystore, req.Password)
	if err != nil {
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			writeError(w, http.StatusUnprocessableEntity, string(validationErr.Kind), validationErr.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if err := s.store.Add(validated, req.Password); err != nil {
		writeStoreError(w, err)
		return
	}
	s.recordKeystoreEvent(r, "add", validated.PublicKey)

	writeJSON(w, http.StatusCreated, keystoreInfo{
		PublicKey: validated.PublicKey,
		KDF:       validated.KDF,
		Path:      validated.Path,
	})
}

func (s *Server) handleKeystoreByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use DELETE")
		return
	}
	publicKey := strings.TrimPrefix(r.URL.Path, "/keystores/")
	if publicKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "public key is required")
		return
	}
	if !strings.HasPrefix(publicKey, "0x") {
		publicKey = "0x" + publicKey
	}

	if err := s.store.Remove(domain.PublicKey(strings.ToLower(publicKey))); err != nil {
		writeStoreError(w, err)
		return
	}
	s.recordKeystoreEvent(r, "remove", domain.PublicKey(publicKey))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordKeystoreEvent(r *http.Request, operation string, publicKey domain.PublicKey) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordKeystoreEvent(r.Context(), operation, publicKey); err != nil {
		logger.WarnWithPrefix("api", "Failed to journal keystore %s: %v", operation, err)
	}
}
