package api

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// functionKeyGuard wraps management handlers with the function-key check.
// The key arrives either in the x-functions-key header or the code query
// parameter; comparison is constant-time. An empty configured key disables
// the guard.
func functionKeyGuard(key string) func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		if key == "" {
			return next
		}
		return func(w http.ResponseWriter, req *http.Request, p httprouter.Params) {
			presented := req.Header.Get("x-functions-key")
			if presented == "" {
				presented = req.URL.Query().Get("code")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				renderJSONError(w, errors.New("missing or invalid function key"), http.StatusUnauthorized)
				return
			}
			next(w, req, p)
		}
	}
}
