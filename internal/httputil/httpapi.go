// Package httputil provides the request plumbing shared by every RPC
// endpoint: auth enforcement, rate limiting, JSON wrapping and per-endpoint
// metrics.
package httputil

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/10thony/Campaignion-sub010/clientapi/auth"
	"github.com/10thony/Campaignion-sub010/types"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "liveserver",
			Subsystem: "clientapi",
			Name:      "requests_total",
			Help:      "Total RPC requests by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)
	registerHTTPAPIMetrics sync.Once
)

func init() {
	registerHTTPAPIMetrics.Do(func() {
		prometheus.MustRegister(requestsTotal)
	})
}

// MakeExternalAPI turns a JSON handler into an http.Handler with no auth
// requirement.
func MakeExternalAPI(metricsName string, f func(req *http.Request) util.JSONResponse) http.Handler {
	return instrument(metricsName, util.MakeJSONAPI(util.NewJSONRequestHandler(f)))
}

// MakeAuthAPI turns a JSON handler into an http.Handler that authenticates
// the request and applies rate limiting before invoking it. A nil limits
// skips rate limiting for that endpoint.
func MakeAuthAPI(metricsName string, verifier auth.Verifier, limits *RateLimits, f func(req *http.Request, identity *auth.Identity) util.JSONResponse) http.Handler {
	h := func(req *http.Request) util.JSONResponse {
		token, err := auth.TokenFromRequest(req)
		if err != nil {
			return ErrorResponse(err)
		}
		identity, err := verifier.VerifyToken(req.Context(), token)
		if err != nil {
			return ErrorResponse(err)
		}
		if limits != nil {
			if rejected := limits.Limit(req, identity); rejected != nil {
				return *rejected
			}
		}
		return f(req, identity)
	}
	return instrument(metricsName, util.MakeJSONAPI(util.NewJSONRequestHandler(h)))
}

func instrument(metricsName string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h.ServeHTTP(rec, req)
		requestsTotal.WithLabelValues(metricsName, strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// ErrorResponse maps any error to its wire form. InteractionErrors keep
// their code and HTTP status; anything else becomes a 500.
func ErrorResponse(err error) util.JSONResponse {
	if ie, ok := types.AsInteractionError(err); ok {
		return util.JSONResponse{
			Code: ie.Code.HTTPStatus(),
			JSON: ie,
		}
	}
	return util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: types.NewError(types.ErrPersistenceFailed, "internal server error"),
	}
}

// UnmarshalJSONRequest decodes the request body into r, returning the
// response to send on failure.
func UnmarshalJSONRequest(req *http.Request, r interface{}) *util.JSONResponse {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		resp := ErrorResponse(types.NewError(types.ErrInvalidInput, "failed to read request body"))
		return &resp
	}
	if len(body) == 0 {
		return nil
	}
	if err = json.Unmarshal(body, r); err != nil {
		resp := ErrorResponse(types.NewError(types.ErrInvalidInput, "invalid JSON: %s", err))
		return &resp
	}
	return nil
}
