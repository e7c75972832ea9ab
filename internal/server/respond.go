package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/skimmerhq/skimmer/internal/fetcherr"
	"github.com/skimmerhq/skimmer/internal/trace"
)

// errorBody is the envelope for every non-2xx response.
type errorBody struct {
	Error struct {
		Code    fetcherr.Code `json:"code"`
		Message string        `json:"message"`
		Detail  any           `json:"detail,omitempty"`
	} `json:"error"`
	DecisionTrace *trace.DecisionTrace `json:"decisionTrace,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("writing response failed")
	}
}

// writeError maps a typed error to its HTTP status. Unknown errors become
// opaque 500s; the cause stays in the log.
func writeError(w http.ResponseWriter, err error) {
	writeErrorTrace(w, err, nil)
}

func writeErrorTrace(w http.ResponseWriter, err error, tr *trace.DecisionTrace) {
	var body errorBody
	body.DecisionTrace = tr

	code := fetcherr.CodeOf(err)
	if code == "" {
		log.Error().Err(err).Msg("internal error")
		body.Error.Code = "internal_error"
		body.Error.Message = "internal error"
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	body.Error.Code = code
	body.Error.Message = err.Error()
	var fe *fetcherr.Error
	if errors.As(err, &fe) {
		body.Error.Message = fe.Message
		body.Error.Detail = fe.Detail
	}
	writeJSON(w, code.HTTPStatus(), body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, fetcherr.Wrap(fetcherr.CodeInvalidRequest, err, "malformed request body"))
		return false
	}
	return true
}
