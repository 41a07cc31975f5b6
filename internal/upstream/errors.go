package upstream

import (
	"encoding/json"
	"fmt"
)

// RemoteAPIError is a non-2xx response from the upstream API.
type RemoteAPIError struct {
	Status int
	Body   string
}

func (e *RemoteAPIError) Error() string {
	msg := e.Message()
	if msg != "" {
		return fmt.Sprintf("upstream returned %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("upstream returned %d", e.Status)
}

// Message extracts the server-provided message from the error body when
// available.
func (e *RemoteAPIError) Message() string {
	if e.Body == "" {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &payload); err != nil {
		return e.Body
	}
	if payload.Message != "" {
		return payload.Message
	}
	if payload.Error != "" {
		return payload.Error
	}
	return e.Body
}
