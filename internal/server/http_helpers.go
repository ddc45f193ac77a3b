package server

import (
	"net/http"

	"gatehouse/internal/api"
)

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteErrorMessage(w, status, message)
}
