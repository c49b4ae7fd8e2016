package httpx

import (
	"errors"
	"net/http"
)

// ErrBadRequest marks request errors that are the caller's to fix.
var ErrBadRequest = errors.New("bad request")

// RespondError writes a 400 problem for caller errors and a Failure envelope
// with fallback for everything else.
func RespondError(w http.ResponseWriter, err error, fallback string, badRequest ...error) {
	for _, target := range append([]error{ErrBadRequest}, badRequest...) {
		if errors.Is(err, target) {
			Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
			return
		}
	}
	Fail(w, http.StatusInternalServerError, fallback)
}
