package api

import (
	"net/http"

	"github.com/rdcounter/rdcounter/internal/apperr"
	"github.com/rdcounter/rdcounter/internal/httputil"
)

// writeAppError maps an apperr.Code to its REST status and writes the
// stable code alongside the message, so clients can branch on `code`
// without parsing prose.
func writeAppError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	httputil.WriteJSON(w, apperr.HTTPStatus(code), map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}
