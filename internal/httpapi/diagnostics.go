package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ent0n29/voxlink/internal/settings"
)

type diagnosticCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type diagnosticsResponse struct {
	SessionState  string            `json:"session_state"`
	SettingsStore string            `json:"settings_store"`
	Checks        []diagnosticCheck `json:"checks"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	resp := diagnosticsResponse{
		SettingsStore: settings.StoreMode(s.cfg.DatabaseURL, s.cfg.SettingsPath),
		Checks:        s.diagnosticChecks(),
	}
	if s.engine != nil {
		resp.SessionState = s.engine.Status().State
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) diagnosticChecks() []diagnosticCheck {
	checks := make([]diagnosticCheck, 0, 8)

	if u, err := url.Parse(strings.TrimSpace(s.cfg.CredentialURL)); err != nil || u.Host == "" {
		checks = append(checks, diagnosticCheck{
			ID:     "credential_url",
			Status: "error",
			Label:  "Credential endpoint",
			Detail: "missing or invalid URL",
			Fix:    "Set REALTIME_CREDENTIAL_URL to the session creation endpoint.",
		})
	} else {
		status := "ok"
		detail := u.Host
		if u.Scheme != "https" {
			status = "warn"
			detail = u.Scheme + "://" + u.Host + " (not TLS)"
		}
		checks = append(checks, diagnosticCheck{ID: "credential_url", Status: status, Label: "Credential endpoint", Detail: detail})
	}

	if strings.TrimSpace(s.cfg.ProductKey) == "" || strings.TrimSpace(s.cfg.DeviceKey) == "" {
		checks = append(checks, diagnosticCheck{
			ID:     "device_identity",
			Status: "error",
			Label:  "Device identity",
			Detail: "product key or device key is empty",
			Fix:    "Set DEVICE_PRODUCT_KEY and DEVICE_KEY.",
		})
	} else {
		checks = append(checks, diagnosticCheck{
			ID:     "device_identity",
			Status: "ok",
			Label:  "Device identity",
			Detail: s.cfg.ProductKey + "/" + s.cfg.DeviceKey,
		})
	}

	if strings.TrimSpace(s.cfg.AccessSecret) == "" {
		checks = append(checks, diagnosticCheck{
			ID:     "access_secret",
			Status: "error",
			Label:  "Access secret",
			Detail: "not set",
			Fix:    "Set DEVICE_ACCESS_SECRET so requests can be signed.",
		})
	} else {
		checks = append(checks, diagnosticCheck{ID: "access_secret", Status: "ok", Label: "Access secret", Detail: "configured"})
	}

	if strings.TrimSpace(s.cfg.AuthorizationValue) == "" {
		checks = append(checks, diagnosticCheck{
			ID:     "authorization",
			Status: "warn",
			Label:  "Authorization header",
			Detail: "not set",
			Fix:    "Set REALTIME_AUTHORIZATION if the credential service requires it.",
		})
	} else {
		checks = append(checks, diagnosticCheck{ID: "authorization", Status: "ok", Label: "Authorization header", Detail: "configured"})
	}

	switch mode := settings.StoreMode(s.cfg.DatabaseURL, s.cfg.SettingsPath); mode {
	case "postgres":
		checks = append(checks, diagnosticCheck{ID: "settings_store", Status: "ok", Label: "Settings store", Detail: "postgres"})
	case "file":
		checks = append(checks, s.fileCheck("settings_store", "Settings store", s.cfg.SettingsPath))
	default:
		checks = append(checks, diagnosticCheck{
			ID:     "settings_store",
			Status: "warn",
			Label:  "Settings store",
			Detail: "in-memory (lost on restart)",
			Fix:    "Set SETTINGS_PATH or DATABASE_URL.",
		})
	}

	if path := strings.TrimSpace(s.cfg.SimPlaybackWAV); path != "" {
		checks = append(checks, s.fileCheck("sim_recording", "Playback recording", path))
	}
	return checks
}

// fileCheck reports whether path can be written: either it exists as a
// regular file or its directory exists.
func (s *Server) fileCheck(id, label, path string) diagnosticCheck {
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return diagnosticCheck{ID: id, Status: "error", Label: label, Detail: path + " is a directory"}
		}
		return diagnosticCheck{ID: id, Status: "ok", Label: label, Detail: path}
	}
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return diagnosticCheck{
			ID:     id,
			Status: "error",
			Label:  label,
			Detail: fmt.Sprintf("directory %s does not exist", dir),
			Fix:    "Create the directory or point the path elsewhere.",
		}
	}
	return diagnosticCheck{ID: id, Status: "ok", Label: label, Detail: path + " (created on first write)"}
}
