package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"AgentLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

const maxCommandBody = 1 << 20

type errorBody struct {
	Code     string            `json:"code"`
	Class    string            `json:"class,omitempty"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HTTPHandler exposes the ledger service as HTTP/JSON. Routes are served in
// process by a gateway mux; nothing is proxied over gRPC.
//
//	POST /v1/commands/{event_type}
//	GET  /v1/balances/{buyer}/{agent}/{category}
//	GET  /v1/orders/{order_id}
//	GET  /v1/orders/{order_id}/dispute
//	GET  /v1/participants/{address}
//	GET  /v1/participants/{address}/orders?limit=&after_id=
//	GET  /v1/participants/{address}/journal?limit=&after_sequence=
//	GET  /v1/treasury
//	GET  /v1/admin/status
//	GET  /v1/admin/integrity
//	POST /v1/admin/snapshot
//	POST /v1/admin/rebuild
//	GET  /v1/stream (websocket)
func (s *GRPCServer) HTTPHandler(hub *StreamHub, limiter *RateLimiter) (http.Handler, error) {
	gw := runtime.NewServeMux()
	svc := s.service

	routes := []struct {
		method, pattern, name string
		handler               runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/commands/{event_type}", "Submit", s.handleSubmit},
		{http.MethodGet, "/v1/balances/{buyer}/{agent}/{category}", "GetBalance",
			func(w http.ResponseWriter, r *http.Request, p map[string]string) {
				buyer, err := pathAddress(p, "buyer")
				if err != nil {
					writeError(w, err)
					return
				}
				agent, err := pathAddress(p, "agent")
				if err != nil {
					writeError(w, err)
					return
				}
				respond(w)(svc.GetBalance(r.Context(), &BalanceRequest{Buyer: buyer, Agent: agent, Category: p["category"]}))
			}},
		{http.MethodGet, "/v1/orders/{order_id}", "GetOrder",
			func(w http.ResponseWriter, r *http.Request, p map[string]string) {
				id, err := pathUint(p, "order_id")
				if err != nil {
					writeError(w, err)
					return
				}
				respond(w)(svc.GetOrder(r.Context(), &OrderRequest{OrderID: id}))
			}},
		{http.MethodGet, "/v1/orders/{order_id}/dispute", "GetDispute",
			func(w http.ResponseWriter, r *http.Request, p map[string]string) {
				id, err := pathUint(p, "order_id")
				if err != nil {
					writeError(w, err)
					return
				}
				respond(w)(svc.GetDispute(r.Context(), &OrderRequest{OrderID: id}))
			}},
		{http.MethodGet, "/v1/participants/{address}", "GetParticipant",
			func(w http.ResponseWriter, r *http.Request, p map[string]string) {
				addr, err := pathAddress(p, "address")
				if err != nil {
					writeError(w, err)
					return
				}
				respond(w)(svc.GetParticipant(r.Context(), &ParticipantRequest{Address: addr}))
			}},
		{http.MethodGet, "/v1/participants/{address}/orders", "ListOrders",
			func(w http.ResponseWriter, r *http.Request, p map[string]string) {
				addr, err := pathAddress(p, "address")
				if err != nil {
					writeError(w, err)
					return
				}
				req := &ListOrdersRequest{Address: addr}
				q := r.URL.Query()
				if req.Limit, err = queryInt(q.Get("limit")); err != nil {
					writeError(w, err)
					return
				}
				if v := q.Get("after_id"); v != "" {
					if req.AfterID, err = strconv.ParseUint(v, 10, 64); err != nil {
						writeError(w, invalidArgument("after_id", err))
						return
					}
				}
				respond(w)(svc.ListOrders(r.Context(), req))
			}},
		{http.MethodGet, "/v1/participants/{address}/journal", "GetJournalHistory",
			func(w http.ResponseWriter, r *http.Request, p map[string]string) {
				addr, err := pathAddress(p, "address")
				if err != nil {
					writeError(w, err)
					return
				}
				req := &JournalRequest{Address: addr}
				q := r.URL.Query()
				if req.Limit, err = queryInt(q.Get("limit")); err != nil {
					writeError(w, err)
					return
				}
				if v := q.Get("after_sequence"); v != "" {
					seq, err := strconv.ParseInt(v, 10, 64)
					if err != nil {
						writeError(w, invalidArgument("after_sequence", err))
						return
					}
					req.AfterSequence = &seq
				}
				respond(w)(svc.GetJournalHistory(r.Context(), req))
			}},
		{http.MethodGet, "/v1/treasury", "GetTreasury",
			func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				respond(w)(svc.GetTreasury(r.Context(), &Empty{}))
			}},
		{http.MethodGet, "/v1/admin/status", "GetStatus",
			func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				respond(w)(svc.GetStatus(r.Context(), &Empty{}))
			}},
		{http.MethodGet, "/v1/admin/integrity", "VerifyIntegrity",
			func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				respond(w)(svc.VerifyIntegrity(r.Context(), &Empty{}))
			}},
		{http.MethodPost, "/v1/admin/snapshot", "TakeSnapshot",
			func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				respond(w)(svc.TakeSnapshot(r.Context(), &Empty{}))
			}},
		{http.MethodPost, "/v1/admin/rebuild", "RebuildProjections",
			func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
				respond(w)(svc.RebuildProjections(r.Context(), &Empty{}))
			}},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, s.instrument(rt.name, rt.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	var api http.Handler = gw
	if limiter != nil {
		api = limiter.Middleware(api)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	if hub != nil {
		httpMux.Handle("/v1/stream", hub)
	}
	httpMux.Handle("/", api)
	return httpMux, nil
}

func (s *GRPCServer) handleSubmit(w http.ResponseWriter, r *http.Request, p map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err != nil {
		writeError(w, invalidArgument("body", err))
		return
	}
	respond(w)(s.service.Submit(r.Context(), &SubmitRequest{EventType: p["event_type"], Payload: body}))
}

// instrument records the same request metrics the gRPC interceptor does.
func (s *GRPCServer) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	method := "http/" + name
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, p)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(method).Inc()
			s.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			if rec.status >= 400 {
				s.metrics.QueryErrors.WithLabelValues(method, strconv.Itoa(rec.status)).Inc()
			}
		}
	}
}

// StartHTTPGateway serves handler on addr until ctx is cancelled (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context, addr string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", addr).Msg("HTTP gateway listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- helpers ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// respond writes either the value or the error of a service call.
func respond(w http.ResponseWriter) func(any, error) {
	return func(v any, err error) {
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := grpcCode(err)
	body := errorBody{Code: code.String(), Message: err.Error()}
	if e, ok := errs.From(err); ok {
		body.Code = string(e.Code())
		body.Class = string(e.Class())
		body.Message = e.Message()
		body.Metadata = e.Metadata()
	}
	if code == codes.Internal {
		body.Message = "internal error"
		body.Metadata = nil
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), body)
}

func invalidArgument(field string, err error) error {
	return errs.New(errs.CodeInvalidArgument, errs.WithMessage("invalid "+field), errs.WithCause(err))
}

func pathAddress(p map[string]string, name string) (common.Address, error) {
	v := p[name]
	if !common.IsHexAddress(v) {
		return common.Address{}, errs.New(errs.CodeInvalidArgument, errs.WithMessage("invalid "+name+" address"))
	}
	return common.HexToAddress(v), nil
}

func pathUint(p map[string]string, name string) (uint64, error) {
	n, err := strconv.ParseUint(p[name], 10, 64)
	if err != nil {
		return 0, invalidArgument(name, err)
	}
	return n, nil
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalidArgument("limit", err)
	}
	return n, nil
}
