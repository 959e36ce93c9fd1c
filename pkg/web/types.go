// Package web provides the HTTP surface for execution intake and viewing.
package web

// ScanRequest represents the request body for launching a pipeline run.
type ScanRequest struct {
	RepositoryURL string `json:"repository_url" validate:"required,url"`
	Branch        string `json:"branch"`
}

// ScanResponse is returned after the engine accepts a run.
type ScanResponse struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
	Namespace   string `json:"namespace,omitempty"`
	FlowID      string `json:"flow_id,omitempty"`
}

// ControlResponse acknowledges a replay or restart request.
type ControlResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}
