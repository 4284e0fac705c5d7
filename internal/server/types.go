package server

// QueryRequest is the POST /v1/query request body. The query itself is
// delivered over the session's stream; here it is only validated so a
// client cannot open a session it has nothing to ask.
type QueryRequest struct {
	Query string `json:"query"`

	// Dataset names a file under the data directory. Required when no
	// session_id is given.
	Dataset string `json:"dataset,omitempty"`

	// SessionID resumes an existing session instead of creating one.
	SessionID string `json:"session_id,omitempty"`
}

// QueryResponse is the POST /v1/query response body.
type QueryResponse struct {
	SessionID string `json:"session_id"`
	StreamURL string `json:"stream_url"`
	Ready     bool   `json:"ready"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
