// Package auth holds the HTTP guards in front of the relay API.
package auth

import (
	"encoding/json"
	"net/http"
)

func reject(w http.ResponseWriter, err error) {
	rejectWith(w, http.StatusUnauthorized, err)
}

func rejectWith(w http.ResponseWriter, status int, err error) {
	kind := "Unauthorized"
	if status == http.StatusRequestEntityTooLarge {
		kind = "InvalidArgument"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"errorKind": kind,
		"message":   err.Error(),
	})
}
