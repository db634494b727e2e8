package api

// Response is the envelope for all API responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// UpdateCredentialRequest is the body of PUT /credentials/:service
type UpdateCredentialRequest struct {
	APIKey        string `json:"api_key" binding:"required"`
	ForceRotation bool   `json:"force_rotation"`
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	AdminToken string `json:"admin_token" binding:"required"`
}

// LoginResponse carries the issued access token
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}
