// Package httptransport implements the HTTP peer protocol: a pull/push
// server under /api/v1 and a retrying client for the same routes.
package httptransport

import "github.com/rustory-sh/rustory/internal/core"

// pullResponse is the body of GET /api/v1/entries.
type pullResponse struct {
	Entries    []core.Row `json:"entries"`
	NextCursor *int64     `json:"next_cursor"`
}

// pushRequestEnvelope accepts the `{entries:[...]}` POST body shape; the
// bare-array shape is detected and unmarshaled separately.
type pushRequestEnvelope struct {
	Entries []core.Entry `json:"entries"`
}

// pushResponse is the body of POST /api/v1/entries.
type pushResponse struct {
	OK       bool `json:"ok"`
	Inserted int  `json:"inserted"`
	Ignored  int  `json:"ignored"`
}

// errorBody is returned for non-2xx responses so clients can show detail
// beyond the status code.
type errorBody struct {
	Error string `json:"error"`
}
