package api

import "net/http"

// errorBody is the JSON written for a failed HTTP request. Causes are logged,
// never returned to the client.
type errorBody struct {
	status     int
	Message    string `json:"message"`
	Dependency string `json:"dependency,omitempty"`
}

func internalError() errorBody {
	return errorBody{status: http.StatusInternalServerError, Message: "internal server error"}
}

// dependencyDown reports a backing service the relay cannot serve without.
func dependencyDown(name string) errorBody {
	return errorBody{
		status:     http.StatusServiceUnavailable,
		Message:    name + " unavailable",
		Dependency: name,
	}
}
