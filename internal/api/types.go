package api

// NodesResponse represents a page of nodes. Items are NodeView or
// NodeAdminView depending on the caller.
type NodesResponse struct {
	Count  int           `json:"count"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
	Nodes  []interface{} `json:"nodes"`
}

// SlurmStateRequest is the body of a scheduler state report.
type SlurmStateRequest struct {
	SlurmState string `json:"slurm_state"`
}

// JobRequest is the body of a job assignment.
type JobRequest struct {
	JobUUID string `json:"job_uuid"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Error   string `json:"error,omitempty"`
}
