package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/thiagociavolela/waconnect/internal/dispatch"
	"github.com/thiagociavolela/waconnect/internal/session"
)

// SessionControl is the lifecycle surface the HTTP layer drives.
type SessionControl interface {
	Start(ctx context.Context) error
	Status() session.Status
	ForceNewQR(ctx context.Context) error
	ClearCache(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Sender is the outbound surface the HTTP layer drives.
type Sender interface {
	SendText(ctx context.Context, req dispatch.TextRequest) (session.Receipt, error)
	SendMedia(ctx context.Context, req dispatch.MediaRequest) (session.Receipt, error)
	SendContact(ctx context.Context, req dispatch.ContactRequest) (session.Receipt, error)
	SendNarration(ctx context.Context, req dispatch.NarrationRequest) (session.Receipt, error)
	CheckNumber(ctx context.Context, phone string) (bool, string, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, detail ...string) {
	body := map[string]string{"error": msg}
	if len(detail) > 0 && detail[0] != "" {
		body["detail"] = detail[0]
	}
	writeJSON(w, status, body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	st := s.session.Status()
	if !st.Connected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// identify flattens the self-identity onto a response payload.
func identify(resp map[string]any, id *session.Identity) map[string]any {
	if id != nil {
		resp["me"] = id.JID
		resp["pushName"] = id.PushName
	}
	return resp
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	st := s.session.Status()
	if st.Connected {
		writeJSON(w, http.StatusOK, identify(map[string]any{"connected": true}, st.Identity))
		return
	}
	resp := map[string]any{"connected": false}
	if st.QR != "" {
		resp["qr"] = st.QR
		if png, err := qrcode.Encode(st.QR, qrcode.Medium, 256); err == nil {
			resp["qrImage"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
		} else {
			s.log.Warn().Err(err).Msg("encode qr image")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.session.Status()
	writeJSON(w, http.StatusOK, identify(map[string]any{
		"connected": st.Connected,
		"qrPending": st.QR != "",
	}, st.Identity))
}

func (s *Server) handleNewQR(w http.ResponseWriter, r *http.Request) {
	if err := s.session.ForceNewQR(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("force new qr")
		writeError(w, http.StatusInternalServerError, "could not restart pairing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Disconnect(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("disconnect")
		writeError(w, http.StatusInternalServerError, "could not disconnect")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.session.ClearCache(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("clear cache")
		writeError(w, http.StatusInternalServerError, "could not clear cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCheckNumber(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.To) == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	exists, j, err := s.sender.CheckNumber(r.Context(), req.To)
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": exists, "jid": j})
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.To) == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "to and message are required")
		return
	}
	receipt, err := s.sender.SendText(r.Context(), dispatch.TextRequest{To: req.To, Body: req.Message})
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": receipt})
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.mediaMaxBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body", err.Error())
		return
	}
	to := r.FormValue("to")
	if strings.TrimSpace(to) == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, s.mediaMaxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file")
		return
	}
	if int64(len(data)) > s.mediaMaxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	receipt, err := s.sender.SendMedia(r.Context(), dispatch.MediaRequest{
		To:       to,
		Data:     data,
		Mime:     header.Header.Get("Content-Type"),
		FileName: header.Filename,
		Caption:  r.FormValue("caption"),
		Kind:     r.FormValue("kind"),
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": receipt})
}

func (s *Server) handleSendContact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To    string `json:"to"`
		Name  string `json:"name"`
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.To) == "" || req.Name == "" || req.Phone == "" {
		writeError(w, http.StatusBadRequest, "to, name and phone are required")
		return
	}
	receipt, err := s.sender.SendContact(r.Context(), dispatch.ContactRequest{To: req.To, Name: req.Name, Phone: req.Phone})
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": receipt})
}

func (s *Server) handleSendNarration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
		Lang string `json:"lang"`
		Slow bool   `json:"slow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.To) == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "to and text are required")
		return
	}
	receipt, err := s.sender.SendNarration(r.Context(), dispatch.NarrationRequest{
		To:   req.To,
		Text: req.Text,
		Lang: req.Lang,
		Slow: req.Slow,
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": receipt})
}

// sendError maps dispatch failures onto HTTP statuses: not-ready is a
// client-visible conflict, everything else a 500 with the detail
// surfaced.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotReady) {
		writeError(w, http.StatusConflict, session.ErrNotReady.Error())
		return
	}
	s.log.Error().Err(err).Msg("send failed")
	writeError(w, http.StatusInternalServerError, "send failed", err.Error())
}
