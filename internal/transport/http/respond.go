package http

import (
	"net/http"

	"github.com/go-chi/render"

	apierrors "fathomos/internal/errors"
)

// renderError writes a taxonomy error through chi/render so the status code
// and JSON body always agree.
func renderError(w http.ResponseWriter, r *http.Request, apiErr *apierrors.APIError) {
	render.Status(r, apiErr.StatusCode)
	render.JSON(w, r, apiErr)
}
