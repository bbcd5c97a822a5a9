package api

// CreateSessionRequest is the HTTP request body for POST /sessions.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// UpdateSessionRequest is the HTTP request body for PATCH /sessions/:id.
// Nil fields are left untouched.
type UpdateSessionRequest struct {
	Title    *string        `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

// PromptRequest is the HTTP request body for POST /sessions/:id/prompt.
type PromptRequest struct {
	Content string `json:"content"`
}
