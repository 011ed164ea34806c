package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BrandonDHaskell/Portunus/validator/internal/observability"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

var (
	ErrInvalidTerminalID = errors.New("terminal_id is required")
	ErrInvalidCardSerial = errors.New("card_serial is required")
	ErrUnknownTerminal   = errors.New("unknown terminal")
)

const MsgTimedOut = "validation timed out"

// CardReader attaches to a card presented to a terminal.
type CardReader interface {
	Attach(ctx context.Context, serial string) (calypso.Card, calypso.Transaction, error)
}

type ValidationOptions struct {
	Profile          calypso.Profile
	ValidationAmount int
	CloseControl     calypso.ChannelControl
	// SessionTimeout bounds one validation. Zero means no bound.
	SessionTimeout time.Duration
	VerifyContract ContractVerifier
}

type ValidationService struct {
	registry  *TerminalRegistry
	reader    CardReader
	procedure *ValidationProcedure
	opts      ValidationOptions
	locks     *cardLocks
	logger    zerolog.Logger
	now       func() time.Time
}

func NewValidationService(reg *TerminalRegistry, reader CardReader, opts ValidationOptions, logger zerolog.Logger) *ValidationService {
	if opts.ValidationAmount < 1 {
		opts.ValidationAmount = SingleValidationAmount
	}
	return &ValidationService{
		registry:  reg,
		reader:    reader,
		procedure: NewValidationProcedure(logger),
		opts:      opts,
		locks:     newCardLocks(),
		logger:    logger.With().Str("component", "validation_service").Logger(),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *ValidationService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *ValidationService) Validate(ctx context.Context, req types.ValidationRequest) (types.ValidationResponse, error) {
	terminalID := strings.TrimSpace(req.TerminalID)
	serial := strings.TrimSpace(req.CardSerial)

	if terminalID == "" {
		return types.ValidationResponse{}, ErrInvalidTerminalID
	}
	if serial == "" {
		return types.ValidationResponse{}, ErrInvalidCardSerial
	}

	location, known, err := s.registry.Resolve(ctx, terminalID)
	if err != nil {
		return types.ValidationResponse{}, err
	}
	if known {
		if err := s.registry.NoteSeen(ctx, terminalID); err != nil {
			s.logger.Warn().Err(err).Str("terminal_id", terminalID).Msg("mark terminal seen failed")
		}
	} else {
		s.logger.Warn().Str("terminal_id", terminalID).Msg("validation from unknown terminal")
		return types.ValidationResponse{
			OK:         false,
			Known:      false,
			TerminalID: terminalID,
			ServerTime: s.now().UTC().Format(time.RFC3339Nano),
		}, ErrUnknownTerminal
	}

	sessionID := uuid.NewString()
	lc := s.logger.With().
		Str("session_id", sessionID).
		Str("terminal_id", terminalID).
		Str("card_serial", serial)
	if t := parseOptionalTimestamp(req.RequestedAt); t != nil {
		lc = lc.Time("requested_at", *t)
	}
	logger := lc.Logger()

	start := time.Now()
	out := s.run(ctx, serial, location, logger)
	elapsed := time.Since(start)

	observability.RecordValidation(string(out.Status), elapsed)

	ev := logger.Info()
	if out.Status == types.StatusError {
		ev = logger.Warn()
	}
	ev.Str("status", string(out.Status)).
		Str("message", out.ErrorMessage).
		Dur("duration", elapsed).
		Msg("validation")

	return toResponse(out, terminalID, sessionID, s.now()), nil
}

// run holds the card lock for the whole session and bounds it with the
// configured timeout.
func (s *ValidationService) run(ctx context.Context, serial string, location types.Location, logger zerolog.Logger) types.CardReaderResponse {
	if s.opts.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SessionTimeout)
		defer cancel()
	}

	release, err := s.locks.acquire(ctx, serial)
	if err != nil {
		return timedOut(err)
	}
	defer release()

	c, tx, err := s.reader.Attach(ctx, serial)
	if err != nil {
		logger.Debug().Err(err).Msg("attach failed")
		if ctx.Err() != nil {
			return timedOut(ctx.Err())
		}
		return types.CardReaderResponse{Status: types.StatusError, ErrorMessage: err.Error()}
	}

	out := s.procedure.Launch(ctx, s.now(), ProcedureSettings{
		Profile:          s.opts.Profile,
		ValidationAmount: s.opts.ValidationAmount,
		Location:         location,
		Locations:        s.registry.Locations(),
		CloseControl:     s.opts.CloseControl,
		VerifyContract:   s.opts.VerifyContract,
	}, c, tx)

	// A session that committed before the deadline keeps its success.
	if out.Status != types.StatusSuccess && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.Status = types.StatusError
		out.ErrorMessage = MsgTimedOut
	}
	return out
}

func timedOut(err error) types.CardReaderResponse {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = MsgTimedOut
	}
	return types.CardReaderResponse{Status: types.StatusError, ErrorMessage: msg}
}

func toResponse(out types.CardReaderResponse, terminalID, sessionID string, now time.Time) types.ValidationResponse {
	resp := types.ValidationResponse{
		OK:           out.Status == types.StatusSuccess,
		Known:        true,
		TerminalID:   terminalID,
		SessionID:    sessionID,
		Status:       out.Status,
		CardType:     out.CardType,
		TicketsLeft:  out.TicketsLeft,
		ErrorMessage: out.ErrorMessage,
		Validation:   out.Validation,
		ServerTime:   now.UTC().Format(time.RFC3339Nano),
	}
	if out.PassValidityEndDate != nil {
		resp.PassValidityEndDate = out.PassValidityEndDate.Format(time.DateOnly)
	}
	if out.EventDateTime != nil {
		resp.EventDateTime = out.EventDateTime.Format(time.RFC3339)
	}
	return resp
}

// parseOptionalTimestamp parses a terminal-reported timestamp. It returns nil
// if the string is empty or unparseable.
func parseOptionalTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		u := t.UTC()
		return &u
	}
	return nil
}
