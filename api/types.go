package api

// HumanReadableError is the body of every error response.
type HumanReadableError struct {
	Msg string `json:"msg"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Agents      int    `json:"agents"`
	PendingJobs int    `json:"pendingJobs"`
}

// ClaimRequest is the body of POST /v1/jobs/claim.
type ClaimRequest struct {
	AgentID string `json:"agentId"`
}

// CancelledResponse is the body of GET /v1/jobs/{id}.
type CancelledResponse struct {
	Cancelled bool `json:"cancelled"`
}
