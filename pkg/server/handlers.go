package server

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsearch/pkg/conversation"
	"github.com/go-go-golems/turnsearch/pkg/export"
	"github.com/go-go-golems/turnsearch/pkg/session"
)

// SessionView is the JSON document clients render a page session from.
type SessionView struct {
	ID string `json:"id"`
	conversation.Snapshot
	Selected []string `json:"selected"`
}

func viewOf(sess *session.Session) SessionView {
	return SessionView{ID: sess.ID, Snapshot: sess.Store.Snapshot(), Selected: sess.Selection.IDs()}
}

type sessionHandlers struct {
	sessions *session.Manager
}

func (h *sessionHandlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := h.sessions.Get(mux.Vars(r)["sid"])
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

// respond writes the session view, or the error when err is non-nil.
func (h *sessionHandlers) respond(w http.ResponseWriter, sess *session.Session, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (h *sessionHandlers) create(w http.ResponseWriter, r *http.Request) {
	var opts session.Options
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, err)
		return
	}
	sess := h.sessions.Create(opts)
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (h *sessionHandlers) get(w http.ResponseWriter, r *http.Request) {
	if sess, ok := h.session(w, r); ok {
		h.respond(w, sess, nil)
	}
}

func (h *sessionHandlers) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(mux.Vars(r)["sid"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageRequest struct {
	Text   string `json:"text"`
	Image  string `json:"image,omitempty"`
	Source string `json:"source,omitempty"`
}

func (h *sessionHandlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	_, err := sess.SendQuery(r.Context(), conversation.Query{Text: req.Text, Image: req.Image, Source: req.Source})
	h.respond(w, sess, err)
}

type filtersRequest struct {
	Selected map[string]string `json:"selected"`
}

func (h *sessionHandlers) applyFilters(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req filtersRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, sess, sess.Store.ApplyFilters(r.Context(), mux.Vars(r)["mid"], req.Selected))
}

func (h *sessionHandlers) reset(w http.ResponseWriter, r *http.Request) {
	if sess, ok := h.session(w, r); ok {
		h.respond(w, sess, sess.Store.ResetRefinements(r.Context(), mux.Vars(r)["mid"]))
	}
}

func (h *sessionHandlers) switchTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	turn, err := strconv.Atoi(vars["turn"])
	if err != nil || turn < 0 {
		writeError(w, errors.Wrapf(errBadRequest, "invalid turn %q", vars["turn"]))
		return
	}
	h.respond(w, sess, sess.Store.SwitchToTurn(r.Context(), vars["mid"], turn))
}

func (h *sessionHandlers) clearError(w http.ResponseWriter, r *http.Request) {
	if sess, ok := h.session(w, r); ok {
		h.respond(w, sess, sess.Store.ClearError(mux.Vars(r)["mid"]))
	}
}

func (h *sessionHandlers) chats(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Store.RefreshChats(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"chats": sess.Store.Snapshot().Chats})
}

func (h *sessionHandlers) loadConversation(w http.ResponseWriter, r *http.Request) {
	if sess, ok := h.session(w, r); ok {
		h.respond(w, sess, sess.Store.LoadConversation(r.Context(), mux.Vars(r)["chatID"]))
	}
}

func (h *sessionHandlers) newChat(w http.ResponseWriter, r *http.Request) {
	if sess, ok := h.session(w, r); ok {
		h.respond(w, sess, sess.Store.NewChat())
	}
}

type selectionRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

// toggleSelection flips a product of the active result grid.
func (h *sessionHandlers) toggleSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ProductID == "" {
		writeError(w, errors.Wrap(errBadRequest, "missing product_id"))
		return
	}
	bot, ok := sess.Store.Snapshot().ActiveBot()
	if !ok {
		writeError(w, conversation.ErrMessageNotFound)
		return
	}
	product, ok := bot.Product(req.ProductID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "product not in current results"})
		return
	}
	if req.VariantID != "" {
		sess.Selection.ToggleVariant(product, req.VariantID)
	} else {
		sess.Selection.Toggle(product)
	}
	h.sessions.Touch(sess, "selection")
	h.respond(w, sess, nil)
}

// exportSelection downloads the selected products and clears the selection.
func (h *sessionHandlers) exportSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if sess.Selection.Len() == 0 {
		writeJSON(w, http.StatusConflict, errorBody{Error: "no products selected"})
		return
	}
	products := sess.Selection.Products()
	var buf bytes.Buffer
	if err := export.Write(&buf, products); err != nil {
		writeError(w, err)
		return
	}
	sess.Selection.Clear()
	h.sessions.Touch(sess, "selection")

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Warn().Str("component", "server").Str("session_id", sess.ID).Err(err).Msg("export download interrupted")
	}
}
