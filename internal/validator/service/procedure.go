package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/card"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

// Procedure errors. Their text is what the terminal shows.
var (
	ErrEnvironmentVersion = errors.New("environment error: wrong version number")
	ErrEnvironmentExpired = errors.New("environment error: end date expired")
	ErrEventVersion       = errors.New("event error: wrong version number")
	ErrNoValidTitle       = errors.New("no valid title detected")
	ErrContractVersion    = errors.New("contract version number error")
)

const (
	MsgExpiredTitle = "expired title"
	MsgNoTripsLeft  = "no trips left"
)

// SingleValidationAmount is what one multi-trip validation costs.
const SingleValidationAmount = 1

// ContractVerifier checks a contract authenticator against the SAM. A nil
// verifier accepts every contract.
type ContractVerifier func(slot int, c card.ContractRecord) error

// ProcedureSettings is everything a validation needs besides the card.
type ProcedureSettings struct {
	Profile calypso.Profile
	// ValidationAmount is the stored-value cost of one trip; values below 1
	// count as 1.
	ValidationAmount int
	Location         types.Location
	Locations        []types.Location
	// CloseControl is passed to the final close or cancel.
	CloseControl   calypso.ChannelControl
	VerifyContract ContractVerifier
}

type procedureState int

const (
	stateOpening procedureState = iota
	stateReadEnvironment
	stateCheckEnvironment
	stateReadEvent
	stateCheckEventVersion
	stateSelectContract
	stateReadContract
	stateCheckContractVersion
	stateCheckExpiry
	stateApplyTariffRule
	stateWriteEvent
	stateClose
)

func (s procedureState) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateReadEnvironment:
		return "read_environment"
	case stateCheckEnvironment:
		return "check_environment"
	case stateReadEvent:
		return "read_event"
	case stateCheckEventVersion:
		return "check_event_version"
	case stateSelectContract:
		return "select_contract"
	case stateReadContract:
		return "read_contract"
	case stateCheckContractVersion:
		return "check_contract_version"
	case stateCheckExpiry:
		return "check_expiry"
	case stateApplyTariffRule:
		return "apply_tariff_rule"
	case stateWriteEvent:
		return "write_event"
	default:
		return "close"
	}
}

// ValidationProcedure runs one validation over a card transaction. It is
// stateless; every Launch gets its own run.
type ValidationProcedure struct {
	logger zerolog.Logger
}

func NewValidationProcedure(logger zerolog.Logger) *ValidationProcedure {
	return &ValidationProcedure{logger: logger.With().Str("component", "validation_procedure").Logger()}
}

type candidate struct {
	slot     int
	priority card.PriorityCode
}

type procedureRun struct {
	ctx      context.Context
	now      time.Time
	today    card.DateCompact
	settings ProcedureSettings
	card     calypso.Card
	tx       calypso.Transaction
	logger   zerolog.Logger

	state   procedureState
	status  types.Status
	message string

	ticketsLeft         *int
	passValidityEndDate *time.Time
	validation          *types.Validation
}

// Launch validates the card at now. Whatever happens, the secure session is
// either closed (on success) or cancelled before it returns.
func (p *ValidationProcedure) Launch(ctx context.Context, now time.Time, settings ProcedureSettings, c calypso.Card, tx calypso.Transaction) types.CardReaderResponse {
	if settings.ValidationAmount < 1 {
		settings.ValidationAmount = SingleValidationAmount
	}

	r := &procedureRun{
		ctx:      ctx,
		now:      now,
		settings: settings,
		card:     c,
		tx:       tx,
		logger:   p.logger.With().Str("card_serial", c.SerialNumber()).Logger(),
		status:   types.StatusLoading,
	}

	if err := r.execute(); err != nil {
		r.logger.Debug().Err(err).Stringer("state", r.state).Str("status", string(r.status)).Msg("validation aborted")
		r.message = err.Error()
	}
	r.finish()

	r.logger.Debug().Str("status", string(r.status)).Str("message", r.message).Msg("validation finished")

	at := now.Truncate(time.Second)
	return types.CardReaderResponse{
		Status:              r.status,
		CardType:            c.ProductType().String(),
		TicketsLeft:         r.ticketsLeft,
		PassValidityEndDate: r.passValidityEndDate,
		ErrorMessage:        r.message,
		EventDateTime:       &at,
		Validation:          r.validation,
	}
}

func (r *procedureRun) enter(s procedureState) {
	r.state = s
	r.logger.Debug().Stringer("state", s).Msg("validation step")
}

// process flushes the queued commands, keeping the channel open.
func (r *procedureRun) process() error {
	return r.tx.ProcessCommands(r.ctx, calypso.KeepOpen)
}

func (r *procedureRun) record(sfi uint8, n int) ([]byte, error) {
	f, ok := r.card.File(sfi)
	if !ok {
		return nil, fmt.Errorf("%w: sfi %#02x not read", calypso.ErrRecordNotFound, sfi)
	}
	b, ok := f.Record(n)
	if !ok {
		return nil, fmt.Errorf("%w: sfi %#02x record %d", calypso.ErrRecordNotFound, sfi, n)
	}
	return b, nil
}

func (r *procedureRun) execute() error {
	prof := r.settings.Profile

	today, err := card.DateCompactOf(r.now)
	if err != nil {
		return err
	}
	r.today = today

	r.enter(stateOpening)
	r.tx.PrepareOpenSecureSession(calypso.AccessDebit)
	r.enter(stateReadEnvironment)
	r.tx.PrepareReadRecord(prof.SFIEnvironment, 1)
	if err := r.process(); err != nil {
		return err
	}

	r.enter(stateCheckEnvironment)
	envBytes, err := r.record(prof.SFIEnvironment, 1)
	if err != nil {
		return err
	}
	env, err := card.ParseEnvironment(envBytes)
	if err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if env.VersionNumber != card.VersionCurrent {
		r.status = types.StatusInvalidCard
		return ErrEnvironmentVersion
	}
	if env.EndDate < r.today {
		r.status = types.StatusInvalidCard
		return ErrEnvironmentExpired
	}

	r.enter(stateReadEvent)
	r.tx.PrepareReadRecord(prof.SFIEventLog, 1)
	if err := r.process(); err != nil {
		return err
	}
	evBytes, err := r.record(prof.SFIEventLog, 1)
	if err != nil {
		return err
	}
	event, err := card.ParseEvent(evBytes)
	if err != nil {
		return fmt.Errorf("event: %w", err)
	}

	r.enter(stateCheckEventVersion)
	switch event.VersionNumber {
	case card.VersionCurrent:
	case card.VersionUndefined:
		r.status = types.StatusEmptyCard
		return ErrNoValidTitle
	default:
		r.status = types.StatusInvalidCard
		return ErrEventVersion
	}

	r.enter(stateSelectContract)
	candidates := selectCandidates(event)
	if len(candidates) == 0 {
		r.status = types.StatusEmptyCard
		return ErrNoValidTitle
	}

	priorities := event.ContractPriorities
	contractUsed, writeNeeded, err := r.applyContracts(candidates, &priorities)
	if err != nil {
		return err
	}

	if !writeNeeded {
		if r.message == "" {
			r.message = ErrNoValidTitle.Error()
		}
		return nil
	}
	return r.writeEvent(event, contractUsed, priorities)
}

// selectCandidates returns the eligible slots, best priority first. Equal
// priorities keep slot order.
func selectCandidates(ev card.EventRecord) []candidate {
	var out []candidate
	for i, p := range ev.ContractPriorities {
		if p.Eligible() {
			out = append(out, candidate{slot: i + 1, priority: p})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}

func (r *procedureRun) applyContracts(candidates []candidate, priorities *[card.ContractSlots]card.PriorityCode) (int, bool, error) {
	prof := r.settings.Profile
	writeNeeded := false

	for _, c := range candidates {
		r.enter(stateReadContract)
		r.tx.PrepareReadRecord(prof.SFIContracts, c.slot)
		if err := r.process(); err != nil {
			return 0, writeNeeded, err
		}
		b, err := r.record(prof.SFIContracts, c.slot)
		if err != nil {
			return 0, writeNeeded, err
		}
		contract, err := card.ParseContract(b)
		if err != nil {
			return 0, writeNeeded, fmt.Errorf("contract %d: %w", c.slot, err)
		}

		r.enter(stateCheckContractVersion)
		if contract.VersionNumber != card.VersionCurrent {
			r.status = types.StatusInvalidCard
			return 0, writeNeeded, ErrContractVersion
		}
		if contract.Authenticator != 0 && r.settings.VerifyContract != nil {
			if err := r.settings.VerifyContract(c.slot, contract); err != nil {
				r.status = types.StatusInvalidCard
				return 0, writeNeeded, err
			}
		}

		r.enter(stateCheckExpiry)
		if contract.ValidityEndDate < r.today {
			priorities[c.slot-1] = card.Expired
			r.status = types.StatusEmptyCard
			r.message = MsgExpiredTitle
			writeNeeded = true
			continue
		}

		r.enter(stateApplyTariffRule)
		switch {
		case c.priority.UsesCounter():
			value, err := r.readCounter(c.slot)
			if err != nil {
				return 0, writeNeeded, err
			}
			if value == 0 {
				priorities[c.slot-1] = card.Expired
				r.status = types.StatusEmptyCard
				r.message = MsgNoTripsLeft
				writeNeeded = true
				continue
			}
			if c.priority == card.StoredValue && value < r.settings.ValidationAmount {
				r.status = types.StatusEmptyCard
				r.message = MsgNoTripsLeft
				continue
			}

			decrement := SingleValidationAmount
			if c.priority == card.StoredValue {
				decrement = r.settings.ValidationAmount
			}
			r.tx.PrepareDecreaseCounter(prof.SFICounters, c.slot, decrement)
			if err := r.process(); err != nil {
				return 0, writeNeeded, err
			}
			left := value - decrement
			r.ticketsLeft = &left

		case c.priority == card.SeasonPass:
			end := contract.ValidityEndDate.Time(r.now.Location())
			r.passValidityEndDate = &end
		}

		return c.slot, true, nil
	}

	return 0, writeNeeded, nil
}

func (r *procedureRun) readCounter(slot int) (int, error) {
	sfi := r.settings.Profile.SFICounters
	r.tx.PrepareReadCounter(sfi, r.card.ProductType().CounterCount())
	if err := r.process(); err != nil {
		return 0, err
	}
	f, ok := r.card.File(sfi)
	if !ok {
		return 0, fmt.Errorf("%w: sfi %#02x not read", calypso.ErrRecordNotFound, sfi)
	}
	v, err := f.Counter(slot)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func (r *procedureRun) writeEvent(old card.EventRecord, contractUsed int, priorities [card.ContractSlots]card.PriorityCode) error {
	r.enter(stateWriteEvent)

	next := old
	next.ContractPriorities = priorities
	if contractUsed > 0 {
		next = card.EventRecord{
			VersionNumber:      card.VersionCurrent,
			DateStamp:          r.today,
			TimeStamp:          card.TimeCompactOf(r.now),
			LocationID:         r.settings.Location.ID,
			ContractUsed:       uint8(contractUsed),
			ContractPriorities: priorities,
		}
	}

	b, err := card.GenerateEvent(next)
	if err != nil {
		return fmt.Errorf("event: %w", err)
	}
	r.tx.PrepareUpdateRecord(r.settings.Profile.SFIEventLog, 1, b)
	if err := r.process(); err != nil {
		return err
	}

	if contractUsed > 0 {
		v := MapValidation(next, r.settings.Locations, r.now.Location())
		r.validation = &v
		r.status = types.StatusSuccess
		r.message = ""
	}
	return nil
}

// finish closes the session on success and cancels it otherwise. A failure
// of either, or a run that never reached a verdict, ends in ERROR.
func (r *procedureRun) finish() {
	r.enter(stateClose)

	if r.status == types.StatusSuccess {
		r.tx.PrepareCloseSecureSession()
	} else {
		r.tx.PrepareCancelSecureSession()
	}

	if err := r.tx.ProcessCommands(r.ctx, r.settings.CloseControl); err != nil {
		r.status = types.StatusError
		r.message = err.Error()
		return
	}
	if r.status == types.StatusLoading {
		r.status = types.StatusError
	}
}
