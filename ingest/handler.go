// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/telhaul/telhaul/health"
	"github.com/telhaul/telhaul/pipeline"
	"github.com/telhaul/telhaul/signal"

	"go.uber.org/zap"
)

// maxBodyBytes caps a single submission request body.
const maxBodyBytes = 4 << 20

type signalHandler struct {
	recv    *pipeline.Receiver
	metrics *health.Metrics
	log     *zap.Logger
}

type acceptedResponse struct {
	Accepted int `json:"accepted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ServeHTTP accepts either a single envelope object or a JSON array of
// envelopes. Acceptance only means the signals entered the pipeline;
// delivery is asynchronous and never reported here.
func (h *signalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	if ce := h.log.Check(zap.DebugLevel, "handling signal submission"); ce != nil {
		ce.Write(zap.Any("headers", scrubHeaders(r.Header)))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}

	envs, err := decodeEnvelopes(body)
	if err != nil {
		h.metrics.RejectedSignals.WithLabelValues("malformed").Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	accepted, err := h.recv.SubmitMany(envs)
	switch {
	case errors.Is(err, pipeline.ErrMalformedSignal):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, pipeline.ErrOverloaded):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "pipeline overloaded"})
	case err != nil:
		h.log.Error("failed to submit signals", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	default:
		writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: accepted})
	}
}

func decodeEnvelopes(body []byte) ([]*signal.Envelope, error) {
	trimmed := strings.TrimLeftFunc(string(body), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if trimmed == "" {
		return nil, errors.New("empty request body")
	}

	if trimmed[0] == '[' {
		var envs []*signal.Envelope
		err := json.Unmarshal(body, &envs)
		if err != nil {
			return nil, errors.New("malformed signal batch")
		}
		return envs, nil
	}

	var e signal.Envelope
	err := json.Unmarshal(body, &e)
	if err != nil {
		return nil, errors.New("malformed signal envelope")
	}
	return []*signal.Envelope{&e}, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// sensitiveHeaders never reach the logs in clear text.
var sensitiveHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
	"Set-Cookie":          {},
	"X-Api-Key":           {},
}

func scrubHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if _, ok := sensitiveHeaders[http.CanonicalHeaderKey(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
