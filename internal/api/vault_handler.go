package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "qvault/internal/errors"
	"qvault/internal/logging"
	"qvault/internal/monitoring"
	"qvault/internal/provider"
	"qvault/internal/vault"
)

// VaultHandler exposes the credential vault's operations.
type VaultHandler struct {
	vault    *vault.Vault
	registry *provider.Registry
	metrics  *monitoring.Metrics
	log      *logging.Logger
}

// NewVaultHandler creates a new vault handler
func NewVaultHandler(v *vault.Vault, registry *provider.Registry, metrics *monitoring.Metrics, log *logging.Logger) *VaultHandler {
	return &VaultHandler{
		vault:    v,
		registry: registry,
		metrics:  metrics,
		log:      log,
	}
}

// Status returns the per-service status view with masked key previews.
func (h *VaultHandler) Status(c *gin.Context) {
	statuses := h.vault.AllServicesStatus()

	configured := 0
	for _, st := range statuses {
		if st.Configured {
			configured++
		}
	}
	h.metrics.SetConfiguredServices(configured)

	c.JSON(http.StatusOK, Response{Success: true, Data: statuses})
}

// Export returns the maskless per-service view safe for less-trusted
// consumers.
func (h *VaultHandler) Export(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: h.vault.ExportConfig()})
}

// Update creates or rotates the credential for a service.
func (h *VaultHandler) Update(c *gin.Context) {
	service := c.Param("service")

	var req UpdateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	if err := h.vault.UpdateCredential(service, req.APIKey, req.ForceRotation); err != nil {
		appErr := apperrors.AsAppError(err)
		c.JSON(appErr.HTTPStatus(), Response{Success: false, Error: appErr.Message})
		return
	}

	h.metrics.RecordCredentialWrite(req.ForceRotation)
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{"service": service}})
}

// Remove deletes a service's credential. Removing an absent credential is
// still a success.
func (h *VaultHandler) Remove(c *gin.Context) {
	service := c.Param("service")

	if err := h.vault.RemoveCredential(service); err != nil {
		appErr := apperrors.AsAppError(err)
		c.JSON(appErr.HTTPStatus(), Response{Success: false, Error: appErr.Message})
		return
	}

	h.metrics.RecordCredentialRemoval()
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{"service": service}})
}

// TestConnection probes the provider with the currently configured key.
func (h *VaultHandler) TestConnection(c *gin.Context) {
	service := c.Param("service")

	result := h.vault.TestConnection(c.Request.Context(), service)
	h.metrics.RecordConnectionTest(service, result.Success)

	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// AuditReport returns the security-score risk buckets.
func (h *VaultHandler) AuditReport(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: h.vault.SecurityAuditReport()})
}

// RotationEvents returns the rotation audit trail.
func (h *VaultHandler) RotationEvents(c *gin.Context) {
	events, err := h.vault.RotationEvents()
	if err != nil {
		appErr := apperrors.AsAppError(err)
		c.JSON(appErr.HTTPStatus(), Response{Success: false, Error: appErr.Message})
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: events})
}
