package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portunus/validator/internal/observability"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/service"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

type Dependencies struct {
	Logger            zerolog.Logger
	Addr              string
	ValidationService *service.ValidationService
	IssuanceService   *service.IssuanceService
}

type Server struct {
	httpServer        *http.Server
	logger            zerolog.Logger
	mux               *http.ServeMux
	validationService *service.ValidationService
	issuanceService   *service.IssuanceService
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:            d.Logger,
		mux:               mux,
		validationService: d.ValidationService,
		issuanceService:   d.IssuanceService,
	}

	mux.HandleFunc("POST /v1/validate", s.handleValidate)
	mux.HandleFunc("GET /v1/cards/{serial}", s.handleCard)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	pb := isProtobuf(r)

	var req types.ValidationRequest
	if pb {
		var msg structpb.Struct
		if err := readProto(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, "bad_proto", "invalid protobuf body")
			return
		}
		req = validationRequestFromProto(&msg)
	} else {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
			return
		}
	}

	resp, err := s.validationService.Validate(r.Context(), req)
	status := http.StatusOK
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTerminalID):
			writeError(w, http.StatusBadRequest, "invalid_terminal_id", err.Error())
			return
		case errors.Is(err, service.ErrInvalidCardSerial):
			writeError(w, http.StatusBadRequest, "invalid_card_serial", err.Error())
			return
		case errors.Is(err, service.ErrUnknownTerminal):
			// Unknown terminals get the response body so they can show it.
			status = http.StatusForbidden
		default:
			s.logger.Error().Err(err).Msg("validate error")
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
	}

	if !pb {
		writeJSON(w, status, resp)
		return
	}
	msg, err := validationResponseToProto(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("validate response encode")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	writeProto(w, status, msg)
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	sum, err := s.issuanceService.Inspect(r.Context(), r.PathValue("serial"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCardSerial):
			writeError(w, http.StatusBadRequest, "invalid_card_serial", err.Error())
		case errors.Is(err, store.ErrCardNotFound):
			writeError(w, http.StatusNotFound, "card_not_found", err.Error())
		default:
			s.logger.Error().Err(err).Str("serial", r.PathValue("serial")).Msg("card inspect error")
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
