package server

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsearch/pkg/conversation"
	"github.com/go-go-golems/turnsearch/pkg/session"
)

const maxBodyBytes = 16 << 20

type errorBody struct {
	Error string `json:"error"`
}

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Str("component", "server").Err(err).Msg("write response failed")
	}
}

// statusFor maps operation errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case stderrors.Is(err, session.ErrSessionNotFound), stderrors.Is(err, conversation.ErrMessageNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, conversation.ErrBusy):
		return http.StatusConflict
	case stderrors.Is(err, conversation.ErrEmptyQuery), stderrors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Str("component", "server").Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}
