package handler

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"

	"github.com/mir00r/cache-balancer/internal/config"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/internal/middleware"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

const redacted = "[redacted]"

// ConfigHandler exposes the running configuration and hot reload
type ConfigHandler struct {
	reloader *config.Reloader
	logger   *logger.Logger
}

// NewConfigHandler creates a new configuration handler
func NewConfigHandler(reloader *config.Reloader, log *logger.Logger) *ConfigHandler {
	return &ConfigHandler{
		reloader: reloader,
		logger:   logger.OrNop(log).WithField("component", "admin"),
	}
}

// Register mounts the config routes on r
func (ch *ConfigHandler) Register(r *mux.Router) {
	r.HandleFunc("/config", ch.GetConfigHandler).Methods(http.MethodGet)
	r.HandleFunc("/config/reload", ch.ReloadConfigHandler).Methods(http.MethodPost)
	r.HandleFunc("/config/reload", ch.ReloadStatsHandler).Methods(http.MethodGet)
}

// GetConfigHandler returns the active configuration as YAML with secrets removed
func (ch *ConfigHandler) GetConfigHandler(w http.ResponseWriter, r *http.Request) {
	current := *ch.reloader.GetCurrentConfig()
	if current.Admin.JWT.Secret != "" {
		current.Admin.JWT.Secret = redacted
	}
	if current.Cache.Redis.Password != "" {
		current.Cache.Redis.Password = redacted
	}

	out, err := yaml.Marshal(&current)
	if err != nil {
		middleware.WriteError(w, r, errors.WrapError(err, errors.ErrCodeInternalError, "admin", "failed to render configuration"))
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// ReloadConfigHandler applies a YAML document from the body, or re-reads the
// config file when the body is empty
func (ch *ConfigHandler) ReloadConfigHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		middleware.WriteError(w, r, errors.WrapError(err, errors.ErrCodeInvalidRequest, "admin", "failed to read request body"))
		return
	}

	source := "file"
	if len(body) == 0 {
		err = ch.reloader.ReloadFromFile()
	} else {
		source = "body"
		err = ch.reloader.ReloadFromYAML(body)
	}
	if err != nil {
		ch.logger.WithError(err).WithField("source", source).Warn("Configuration reload rejected")
		middleware.WriteError(w, r, err)
		return
	}

	ch.logger.WithField("source", source).WithField("actor", actor(r)).Info("Configuration reloaded via admin API")
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"source": source,
		"stats":  ch.reloader.GetReloadStats(),
	})
}

// ReloadStatsHandler reports the reloader state
func (ch *ConfigHandler) ReloadStatsHandler(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, ch.reloader.GetReloadStats())
}
