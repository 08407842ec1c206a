// Package jsonerr standardizes the error bodies the HTTP surface sends.
package jsonerr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fhir-infra/fhirhub"
)

type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error works like http.Error but uses our response struct as the body of
// the response. Like http.Error you will still need to call a naked return
// in the http handler.
func Error(w http.ResponseWriter, r *Response, httpcode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpcode)
	b, _ := json.Marshal(r)
	w.Write(b)
}

// FromError maps a fhirhub error onto a response, leaking nothing beyond the
// error kind for internal failures.
func FromError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fhirhub.ErrNotFound):
		Error(w, &Response{Code: "not-found", Message: "not found"}, http.StatusNotFound)
	case errors.Is(err, fhirhub.ErrAuth):
		Error(w, &Response{Code: "unauthorized", Message: "unauthorized"}, http.StatusUnauthorized)
	case errors.Is(err, fhirhub.ErrValidation):
		Error(w, &Response{Code: "bad-request", Message: err.Error()}, http.StatusBadRequest)
	case errors.Is(err, fhirhub.ErrUnsupportedKey), errors.Is(err, fhirhub.ErrSignFailure):
		Error(w, &Response{Code: "sign-error", Message: "signing failed"}, http.StatusInternalServerError)
	default:
		Error(w, &Response{Code: "internal-error", Message: "internal error"}, http.StatusInternalServerError)
	}
}
