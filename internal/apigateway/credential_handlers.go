package apigateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"spoken-eval-platform/internal/datastore"
)

// CreateCredentialRequest is the admin payload for registering an API
// credential with the pool.
type CreateCredentialRequest struct {
	Capability  string          `json:"capability" binding:"required,oneof=speech scoring"`
	Provider    string          `json:"provider" binding:"required"`
	APIKey      string          `json:"api_key" binding:"required"`
	APISecret   string          `json:"api_secret"`
	Endpoint    string          `json:"endpoint"`
	ExtraConfig json.RawMessage `json:"extra_config"`
	MinuteLimit int             `json:"minute_limit"`
	DayLimit    float64         `json:"day_limit"`
}

// CreateCredential registers a new credential.
func (a *API) CreateCredential(c *gin.Context) {
	var req CreateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload: " + err.Error()})
		return
	}
	if len(req.ExtraConfig) > 0 && !json.Valid(req.ExtraConfig) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "extra_config contains invalid JSON"})
		return
	}

	cred := &datastore.Credential{
		ID:          uuid.NewString(),
		Capability:  req.Capability,
		Provider:    req.Provider,
		APIKey:      req.APIKey,
		ExtraConfig: req.ExtraConfig,
		MinuteLimit: req.MinuteLimit,
		DayLimit:    req.DayLimit,
	}
	if req.APISecret != "" {
		cred.APISecret.String, cred.APISecret.Valid = req.APISecret, true
	}
	if req.Endpoint != "" {
		cred.Endpoint.String, cred.Endpoint.Valid = req.Endpoint, true
	}

	if err := a.pool.Add(cred); err != nil {
		a.log.Error().Err(err).Str("provider", req.Provider).Msg("failed to create credential")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create credential"})
		return
	}
	c.JSON(http.StatusCreated, cred)
}

// ListCredentials lists pooled credentials, optionally filtered by the
// capability query parameter. Key material never leaves the server; the
// credential JSON encoding omits it.
func (a *API) ListCredentials(c *gin.Context) {
	creds := a.pool.List(c.Query("capability"))
	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

// DeleteCredential removes a credential from the pool and the store.
func (a *API) DeleteCredential(c *gin.Context) {
	if err := a.pool.Remove(c.Param("id")); err != nil {
		if errors.Is(err, datastore.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete credential"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ReactivateCredential clears permanent exhaustion on a credential.
func (a *API) ReactivateCredential(c *gin.Context) {
	if err := a.pool.Reactivate(c.Param("id")); err != nil {
		if errors.Is(err, datastore.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reactivate credential"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reactivated"})
}
