package proxy

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/polisai/glyphcloak/pkg/interact"
	"github.com/polisai/glyphcloak/pkg/session"
	"github.com/polisai/glyphcloak/pkg/transform"
)

// Endpoint paths served by the proxy itself.
const (
	PathCopy    = "/_cloak/copy"
	PathSearch  = "/_cloak/search"
	PathMetrics = "/_cloak/metrics"
)

const maxEndpointBody = 1 << 20

// SearchRequest asks for the cipher forms of a query.
type SearchRequest struct {
	Query           string `json:"query"`
	CaseInsensitive bool   `json:"caseInsensitive"`
}

// SearchTerm is one query variant cloaked for one font.
type SearchTerm struct {
	Font      string `json:"font"`
	Variant   string `json:"variant"`
	Encrypted string `json:"encrypted"`
}

// SearchResponse lists the strings to look for in the cloaked page.
type SearchResponse struct {
	Query string       `json:"query"`
	Terms []SearchTerm `json:"terms"`
}

func (p *Proxy) handleCopy(w http.ResponseWriter, r *http.Request) {
	sess, ok := p.requestSession(w, r)
	if !ok {
		return
	}
	var sel interact.Selection
	if !decodeJSON(w, r, &sel) {
		return
	}
	clip := sess.Copier().Copy(r.Context(), sel)
	if p.metrics != nil {
		p.metrics.RecordCopy(clip.Source)
	}
	writeJSON(w, http.StatusOK, clip)
}

func (p *Proxy) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess, ok := p.requestSession(w, r)
	if !ok {
		return
	}
	var req SearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if p.metrics != nil {
		p.metrics.RecordSearch()
	}

	resp := SearchResponse{Query: req.Query, Terms: []SearchTerm{}}
	if req.Query == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	store := sess.Store()
	for _, font := range store.Fonts() {
		for _, v := range interact.Variants(req.Query, req.CaseInsensitive) {
			resp.Terms = append(resp.Terms, SearchTerm{
				Font:      font,
				Variant:   v,
				Encrypted: store.EncryptQuery(font, v),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Proxy) requestSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := p.sessionID(r)
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, transform.ErrorResponse{Code: "no_session", Message: "session cookie or header is required"})
		return nil, false
	}
	s, err := p.sessions.Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, transform.ErrorResponse{Code: "unknown_session", Message: err.Error()})
		return nil, false
	}
	return s, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEndpointBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, transform.ErrorResponse{Code: "invalid_request", Message: "malformed JSON"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
