package api

import (
	"bytes"
	"encoding/json"
	"html/template"
	"io"
	"math"
	"net/http"
	"strconv"

	"burnbin/cfg"
	"burnbin/metrics"
	"burnbin/pkg/domain"
	"burnbin/svc/lim"
	"burnbin/svc/svc"
	"burnbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// JSON string escaping can double the size of the content, plus room for
// the other fields.
const requestOverhead = 4096

const (
	expiresAtLayout = "2006-01-02T15:04:05.000Z07:00"
	maxExactFloat   = 1 << 53
)

var pageTmpl = template.Must(template.New("paste").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Paste</title>
<style>body{font-family:ui-monospace,SFMono-Regular,Menlo,Consolas,monospace;margin:2rem;}pre{white-space:pre-wrap;word-wrap:break-word;}</style>
</head>
<body>
<pre>{{.}}</pre>
</body>
</html>
`))

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateResp struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type PasteResp struct {
	Content        string  `json:"content"`
	RemainingViews *int    `json:"remaining_views"`
	ExpiresAt      *string `json:"expires_at"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxPasteSize*2+requestOverhead)
	params, err := parseCreate(r.Body)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("invalid create request")
		writeErr(w, err, requestID)
		return
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		if domain.Status(err) < http.StatusInternalServerError {
			log.Warn().Err(err).Str("request_id", requestID).Msg("create rejected")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Str("request_id", requestID).
		Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		ID:  paste.ID,
		URL: baseURL(r, h.cfg.TrustedProxies) + "/p/" + paste.ID,
	})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	paste, err := h.paste.View(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	metrics.PasteViewed.WithLabelValues("json").Inc()
	resp := PasteResp{
		Content:        paste.Content,
		RemainingViews: paste.RemainingViews(),
	}
	if paste.ExpiresAt != nil {
		exp := paste.ExpiresAt.UTC().Format(expiresAtLayout)
		resp.ExpiresAt = &exp
	}
	json.NewEncoder(w).Encode(resp)
}

// ViewPaste renders the paste as a standalone HTML page. Failures are plain
// text, not JSON.
func (h *Hdl) ViewPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	paste, err := h.paste.View(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := domain.Status(err)
		if status >= http.StatusInternalServerError {
			util.Error().Err(err).Str("request_id", requestID).Msg("internal error rendering paste")
		}
		writeText(w, status)
		return
	}
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, paste.Content); err != nil {
		util.Error().Err(err).Str("request_id", requestID).Msg("render paste page")
		writeText(w, http.StatusInternalServerError)
		return
	}
	metrics.PasteViewed.WithLabelValues("html").Inc()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", pageCSP)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// parseCreate reads {content, ttl_seconds?, max_views?}. Unknown fields are
// ignored and null counts as absent.
func parseCreate(body io.Reader) (domain.CreateParams, error) {
	var params domain.CreateParams
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(body)
	if err := dec.Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return params, domain.ErrPasteTooLarge
		case err == io.EOF:
			return params, domain.ErrContentRequired
		}
		return params, errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	content, ok := raw["content"]
	if !ok || isNull(content) {
		return params, domain.ErrContentRequired
	}
	if err := json.Unmarshal(content, &params.Content); err != nil {
		return params, domain.ErrContentRequired
	}
	if v, ok := raw["ttl_seconds"]; ok && !isNull(v) {
		n, ok := parseInteger(v)
		if !ok {
			return params, domain.ErrInvalidTTL
		}
		params.TTLSeconds = &n
	}
	if v, ok := raw["max_views"]; ok && !isNull(v) {
		n, ok := parseInteger(v)
		if !ok || n > math.MaxInt32 || n < math.MinInt32 {
			return params, domain.ErrInvalidMaxViews
		}
		mv := int(n)
		params.MaxViews = &mv
	}
	return params, nil
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}

// parseInteger accepts JSON numbers with no fractional part, so 10 and 10.0
// both read as 10. Strings and other types are rejected.
func parseInteger(v json.RawMessage) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return 0, false
	}
	num, ok := decoded.(json.Number)
	if !ok {
		return 0, false
	}
	if n, err := num.Int64(); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(num.String(), 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > maxExactFloat {
		return 0, false
	}
	return int64(f), true
}

// baseURL is scheme://host of the request as the client addressed it.
func baseURL(r *http.Request, trustedProxies []string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if lim.FromTrustedProxy(r, trustedProxies) {
		switch proto := r.Header.Get("X-Forwarded-Proto"); proto {
		case "http", "https":
			scheme = proto
		}
	}
	return scheme + "://" + r.Host
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	if statusCode >= http.StatusInternalServerError {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(domain.ErrResp{
		Error:     domain.ToResp(err).Error,
		RequestID: requestID,
	})
}

func writeText(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(http.StatusText(status)))
}
