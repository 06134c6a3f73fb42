package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagociavolela/waconnect/internal/dispatch"
	"github.com/thiagociavolela/waconnect/internal/session"
)

type fakeSession struct {
	status      session.Status
	newQRCalls  int
	disconnects int
	clears      int
}

func (f *fakeSession) Start(ctx context.Context) error { return nil }
func (f *fakeSession) Status() session.Status          { return f.status }
func (f *fakeSession) ForceNewQR(ctx context.Context) error {
	f.newQRCalls++
	return nil
}
func (f *fakeSession) ClearCache(ctx context.Context) error {
	f.clears++
	return nil
}
func (f *fakeSession) Disconnect(ctx context.Context) error {
	f.disconnects++
	return nil
}

type fakeSender struct {
	err       error
	texts     int
	medias    int
	lastMedia dispatch.MediaRequest
	lastText  dispatch.TextRequest
}

func (f *fakeSender) SendText(ctx context.Context, req dispatch.TextRequest) (session.Receipt, error) {
	f.texts++
	f.lastText = req
	if f.err != nil {
		return session.Receipt{}, f.err
	}
	return session.Receipt{ID: "MSGID", RemoteJID: req.To, FromMe: true}, nil
}

func (f *fakeSender) SendMedia(ctx context.Context, req dispatch.MediaRequest) (session.Receipt, error) {
	f.medias++
	f.lastMedia = req
	if f.err != nil {
		return session.Receipt{}, f.err
	}
	return session.Receipt{ID: "MSGID"}, nil
}

func (f *fakeSender) SendContact(ctx context.Context, req dispatch.ContactRequest) (session.Receipt, error) {
	if f.err != nil {
		return session.Receipt{}, f.err
	}
	return session.Receipt{ID: "MSGID"}, nil
}

func (f *fakeSender) SendNarration(ctx context.Context, req dispatch.NarrationRequest) (session.Receipt, error) {
	if f.err != nil {
		return session.Receipt{}, f.err
	}
	return session.Receipt{ID: "MSGID"}, nil
}

func (f *fakeSender) CheckNumber(ctx context.Context, phone string) (bool, string, error) {
	if f.err != nil {
		return false, "", f.err
	}
	return true, "5511988887777@s.whatsapp.net", nil
}

func newTestServer(t *testing.T, sess *fakeSession, sender *fakeSender, opts Options) *Server {
	t.Helper()
	if sess == nil {
		sess = &fakeSession{}
	}
	if sender == nil {
		sender = &fakeSender{}
	}
	return NewServer(sess, sender, zerolog.Nop(), opts)
}

func postJSON(srv *Server, path string, body string, headers ...[2]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, h := range headers {
		req.Header.Set(h[0], h[1])
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestAuthToken(t *testing.T) {
	srv := newTestServer(t, nil, nil, Options{Token: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("x-api-token", "secret")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	srv := newTestServer(t, nil, nil, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpointsSkipAuth(t *testing.T) {
	srv := newTestServer(t, &fakeSession{status: session.Status{Connected: true}}, nil, Options{Token: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzNotReady(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, nil, Options{})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestQRPending(t *testing.T) {
	sess := &fakeSession{status: session.Status{QR: "2@pairing-code"}}
	srv := newTestServer(t, sess, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/qr", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["connected"])
	assert.Equal(t, "2@pairing-code", resp["qr"])
	assert.True(t, strings.HasPrefix(resp["qrImage"].(string), "data:image/png;base64,"))
}

func TestQRConnected(t *testing.T) {
	sess := &fakeSession{status: session.Status{
		Connected: true,
		Identity:  &session.Identity{JID: "5599999999999@s.whatsapp.net", PushName: "Bob"},
	}}
	srv := newTestServer(t, sess, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/qr", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["connected"])
	assert.Equal(t, "5599999999999@s.whatsapp.net", resp["me"])
	assert.Equal(t, "Bob", resp["pushName"])
	assert.NotContains(t, resp, "qrImage")
}

func TestStatusConnected(t *testing.T) {
	sess := &fakeSession{status: session.Status{
		Connected: true,
		Identity:  &session.Identity{JID: "5599999999999@s.whatsapp.net", PushName: "Bob"},
	}}
	srv := newTestServer(t, sess, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["connected"])
	assert.Equal(t, false, resp["qrPending"])
	assert.Equal(t, "5599999999999@s.whatsapp.net", resp["me"])
	assert.Equal(t, "Bob", resp["pushName"])
}

func TestSendTextValidation(t *testing.T) {
	srv := newTestServer(t, nil, nil, Options{})
	w := postJSON(srv, "/api/send/text", `{"to":"5599999999999"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendTextNotReady(t *testing.T) {
	srv := newTestServer(t, nil, &fakeSender{err: session.ErrNotReady}, Options{})
	w := postJSON(srv, "/api/send/text", `{"to":"5599999999999","message":"oi"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "not initialized")
}

func TestSendRateLimited(t *testing.T) {
	sender := &fakeSender{}
	srv := newTestServer(t, nil, sender, Options{RateMax: 3, RateWindow: time.Minute})

	for i := 0; i < 3; i++ {
		w := postJSON(srv, "/api/send/text", `{"to":"5599999999999","message":"oi"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := postJSON(srv, "/api/send/text", `{"to":"5599999999999","message":"oi"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 3, sender.texts)
}

func TestIdempotentReplayByHeader(t *testing.T) {
	sender := &fakeSender{}
	srv := newTestServer(t, nil, sender, Options{RateMax: 100})

	first := postJSON(srv, "/api/send/text", `{"to":"5599999999999","message":"oi"}`,
		[2]string{"Idempotency-Key", "abc"})
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(srv, "/api/send/text", `{"to":"5599999999999","message":"oi"}`,
		[2]string{"Idempotency-Key", "abc"})
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, 1, sender.texts)
}

func TestIdempotentReplayByBodyField(t *testing.T) {
	sender := &fakeSender{}
	srv := newTestServer(t, nil, sender, Options{RateMax: 100})

	body := `{"to":"5599999999999","message":"oi","clientMessageId":"m-1"}`
	postJSON(srv, "/api/send/text", body)
	postJSON(srv, "/api/send/text", body)
	assert.Equal(t, 1, sender.texts)
	// The key probe must not consume the body seen by the handler.
	assert.Equal(t, "oi", sender.lastText.Body)
}

func TestIdempotencyNotAppliedToContact(t *testing.T) {
	sender := &fakeSender{}
	srv := newTestServer(t, nil, sender, Options{RateMax: 100})

	body := `{"to":"5599999999999","name":"Maria","phone":"5511988887777","clientMessageId":"m-1"}`
	w := postJSON(srv, "/api/send/contact", body)
	require.Equal(t, http.StatusOK, w.Code)
	w = postJSON(srv, "/api/send/contact", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Idempotent-Replay"))
}

func TestSendMediaMultipart(t *testing.T) {
	sender := &fakeSender{}
	srv := newTestServer(t, nil, sender, Options{RateMax: 100})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("to", "5599999999999"))
	require.NoError(t, mw.WriteField("caption", "foto"))
	part, err := mw.CreateFormFile("file", "photo.jpg")
	require.NoError(t, err)
	part.Write([]byte("jpeg-bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/send/media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, sender.medias)
	assert.Equal(t, "photo.jpg", sender.lastMedia.FileName)
	assert.Equal(t, "foto", sender.lastMedia.Caption)
	assert.Equal(t, []byte("jpeg-bytes"), sender.lastMedia.Data)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	key, ok := resp["key"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "MSGID", key["id"])
}

func TestLifecycleRoutes(t *testing.T) {
	sess := &fakeSession{}
	srv := newTestServer(t, sess, nil, Options{})

	w := postJSON(srv, "/api/qr/new", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
	assert.Equal(t, 1, sess.newQRCalls)

	w = postJSON(srv, "/api/clear-cache", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, sess.clears)

	w = postJSON(srv, "/api/disconnect", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, sess.disconnects)
}

func TestCheckNumber(t *testing.T) {
	srv := newTestServer(t, nil, &fakeSender{}, Options{})

	w := postJSON(srv, "/api/check-number", `{"to":"+55 11 98888-7777"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["exists"])
	assert.Equal(t, "5511988887777@s.whatsapp.net", resp["jid"])

	w = postJSON(srv, "/api/check-number", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The legacy field name is not accepted.
	w = postJSON(srv, "/api/check-number", `{"phone":"+55 11 98888-7777"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
