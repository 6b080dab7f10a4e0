package service

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/glyphcloak/internal/governance"
	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/logging"
	"github.com/polisai/glyphcloak/pkg/transform"
)

const maxBodyBytes = 8 << 20

// Handler returns the JSON API with access logging, metrics, tracing and
// rate limiting applied.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+transform.PathEncrypt, s.handleEncrypt)
	mux.HandleFunc("POST "+transform.PathEncryptBatch, s.handleEncryptBatch)
	mux.HandleFunc("POST "+transform.PathEncryptPage, s.handleEncryptPage)
	mux.HandleFunc("POST "+transform.PathDecrypt, s.handleDecrypt)
	mux.HandleFunc("POST "+transform.PathEncryptQuery, s.handleEncryptQuery)
	mux.HandleFunc("GET "+transform.PathHealth, s.handleHealth)
	mux.HandleFunc("GET "+transform.PathGlyphs, s.handleGlyphs)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	h := s.rateLimit(mux)
	if s.metrics != nil {
		h = s.metrics.MetricsMiddleware(h)
	}
	h = logging.AccessLog(h)
	return otelhttp.NewHandler(h, "glyphcloak.service")
}

func (s *Service) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Enabled() || r.URL.Path == transform.PathHealth || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		remaining, ok := s.limiter.Allow(clientKey(r))
		governance.WriteRateLimitHeaders(w, s.limiter.Limit(), remaining, time.Now().Add(time.Second))
		if !ok {
			if s.metrics != nil {
				s.metrics.RecordRateLimited(r.URL.Path)
			}
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, &APIError{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Service) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req transform.EncryptRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.Encrypt(r.Context(), req)
	s.reply(w, r, resp, err)
}

func (s *Service) handleEncryptBatch(w http.ResponseWriter, r *http.Request) {
	var req transform.BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.EncryptBatch(r.Context(), req)
	s.reply(w, r, resp, err)
}

func (s *Service) handleEncryptPage(w http.ResponseWriter, r *http.Request) {
	var req transform.PageRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.EncryptPage(r.Context(), req)
	s.reply(w, r, resp, err)
}

func (s *Service) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req transform.DecryptRequest
	if !s.decode(w, r, &req) {
		return
	}
	plain, err := s.Decrypt(r.Context(), req)
	s.reply(w, r, transform.DecryptResponse{Decrypted: plain}, err)
}

func (s *Service) handleEncryptQuery(w http.ResponseWriter, r *http.Request) {
	var req transform.QueryRequest
	if !s.decode(w, r, &req) {
		return
	}
	enc, err := s.EncryptQuery(r.Context(), req)
	s.reply(w, r, transform.QueryResponse{Encrypted: enc}, err)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, transform.HealthResponse{Status: "ok"}, nil)
}

func (s *Service) handleGlyphs(w http.ResponseWriter, r *http.Request) {
	key := cipher.KeyMaterial{SecretKey: s.cfg.SecretKey}
	q := r.URL.Query()
	if v := q.Get("secretKey"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, r, badRequest("secretKey must be an integer"))
			return
		}
		key.SecretKey = n
	}
	n, err := strconv.ParseInt(q.Get("nonce"), 10, 64)
	if err != nil {
		s.writeError(w, r, badRequest("nonce must be an integer"))
		return
	}
	key.Nonce = n

	contract, err := s.Glyphs(r.Context(), key)
	s.reply(w, r, contract, err)
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			s.writeError(w, r, badRequest("request body is empty"))
		} else {
			s.writeError(w, r, badRequest("malformed JSON: %v", err))
		}
		return false
	}
	return true
}

func (s *Service) reply(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "path", r.URL.Path, "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := asAPIError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "code", apiErr.Code, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(transform.ErrorResponse{Code: apiErr.Code, Message: apiErr.Message})
}
