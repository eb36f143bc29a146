package web

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/store"
)

const maxBody = 10 * 1024 * 1024

var validate = validator.New()

type textRequest struct {
	Text string `json:"text" validate:"required"`
}

type offerRequest struct {
	Manual bool `json:"manual"`
}

type joinRequest struct {
	Input string `json:"input" validate:"required"`
}

type answerRequest struct {
	Blob string `json:"blob" validate:"required"`
	Code string `json:"code,omitempty"`
}

type answerResponse struct {
	SessionID string `json:"sessionId"`
}

type importResponse struct {
	Applied int `json:"applied"`
}

// errorResponse is the body of every non-2xx reply. Result carries what the
// operation did manage to apply, such as an item that is live in memory but
// was not saved.
type errorResponse struct {
	Kind    apperr.Kind     `json:"kind,omitempty"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindRendezvousMiss:
		return http.StatusNotFound
	case apperr.KindAlreadyConnected:
		return http.StatusConflict
	case apperr.KindTransport, apperr.KindNegotiation:
		return http.StatusBadGateway
	case apperr.KindValidation, apperr.KindMalformed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Kind: apperr.KindOf(err), Message: apperr.Message(err)})
}

// writePartial reports err while still returning result.
func writePartial(w http.ResponseWriter, err error, result any) {
	body := errorResponse{Kind: apperr.KindOf(err), Message: apperr.Message(err)}
	if data, merr := json.Marshal(result); merr == nil {
		body.Result = data
	}
	writeJSON(w, statusFor(err), body)
}

// writeItem replies with it, or with err and it when the change applied in
// memory but failed to persist.
func writeItem(w http.ResponseWriter, status int, it store.Item, err error) {
	switch {
	case err == nil:
		writeJSON(w, status, it)
	case it.ID == "":
		writeError(w, err)
	default:
		writePartial(w, err, it)
	}
}

// decode reads a JSON body into v and validates it.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode request", err)
	}
	if err := validate.Struct(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode request", err)
	}
	return nil
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.node.Items(r.Context(), r.URL.Query().Get("all") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.node.Item(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) addItem(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	it, err := s.node.AddItem(r.Context(), req.Text)
	writeItem(w, http.StatusCreated, it, err)
}

func (s *Server) updateItem(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	it, err := s.node.UpdateItem(r.Context(), chi.URLParam(r, "id"), req.Text)
	writeItem(w, http.StatusOK, it, err)
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.node.DeleteItem(r.Context(), chi.URLParam(r, "id"))
	writeItem(w, http.StatusOK, it, err)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	doc, err := s.node.Export(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="meshsync-export.json"`)
	_, _ = w.Write(doc)
}

func (s *Server) importItems(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "import", err))
		return
	}
	applied, err := s.node.Import(r.Context(), data)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, importResponse{Applied: applied})
	case apperr.IsPersistence(err):
		writePartial(w, err, importResponse{Applied: applied})
	default:
		writeError(w, err)
	}
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.node.Peers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) peerHistory(w http.ResponseWriter, _ *http.Request) {
	peers, err := s.node.PeerHistory()
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindPersistence, "peer history", err))
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.node.Sessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.node.CloseSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) host(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	offer, err := s.node.Host(r.Context(), req.Manual)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ans, err := s.node.Join(r.Context(), req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ans)
}

func (s *Server) applyAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.node.ApplyAnswer(r.Context(), req.Blob, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{SessionID: id})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Diagnostics(r.Context()))
}
