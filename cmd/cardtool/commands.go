package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Portunus/validator/internal/config"
	"github.com/BrandonDHaskell/Portunus/validator/internal/db"
	"github.com/BrandonDHaskell/Portunus/validator/internal/observability"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso/softcard"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/card"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/service"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store/memory"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store/sqlite"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

const dateLayout = time.DateOnly

// cliTerminal is the terminal id validations from the CLI are stamped with.
const cliTerminal = "cardtool"

// app holds what every subcommand needs once the store is open.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	conn   *sql.DB
	writer *db.Worker
	cards  store.CardStore
	reader *softcard.Reader
}

func (a *app) open(ctx context.Context) error {
	conn, err := db.Open(ctx, db.Config{Path: a.cfg.DBPath, Env: a.cfg.Env}, a.logger)
	if err != nil {
		return err
	}
	a.conn = conn
	a.writer = db.NewWorker(conn)
	a.cards = sqlite.NewCardStore(conn, a.writer)
	a.reader = softcard.NewReader(a.cards, a.logger)
	return nil
}

func (a *app) close() {
	if a.writer != nil {
		a.writer.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

func (a *app) issuance() *service.IssuanceService {
	return service.NewIssuanceService(a.cards, a.reader, a.cfg.Profile, a.cfg.Locations, a.logger)
}

// newRootCmd builds the command tree over a. The caller closes a once the
// command returns, whether or not it failed.
func newRootCmd(a *app) *cobra.Command {
	var (
		dbPath     string
		configFile string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "cardtool",
		Short:         "Manage software Calypso cards in the validator store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if configFile != "" {
				if err := config.ApplyFile(&cfg, configFile); err != nil {
					return err
				}
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			a.cfg = cfg
			a.logger = observability.NewLogger("cardtool", "dev", logLevel).Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339})
			return a.open(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&dbPath, "db", "", "card store path (default VALIDATOR_DB_PATH)")
	root.PersistentFlags().StringVar(&configFile, "config", "", "validator TOML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newIssueCmd(a),
		newLoadCmd(a),
		newShowCmd(a),
		newListCmd(a),
		newValidateCmd(a),
	)
	return root
}

func newIssueCmd(a *app) *cobra.Command {
	var (
		product string
		appNum  uint32
		company uint8
		holder  uint32
		endDate string
		replace bool
	)

	cmd := &cobra.Command{
		Use:   "issue <serial>",
		Short: "Personalize a blank card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := calypso.ParseProductType(product)
			if err != nil {
				return err
			}
			req := service.PersonalizeRequest{
				Serial:            args[0],
				ProductType:       pt,
				ApplicationNumber: appNum,
				HolderCompany:     company,
				HolderIDNumber:    holder,
				Replace:           replace,
			}
			if endDate != "" {
				if req.EndDate, err = time.Parse(dateLayout, endDate); err != nil {
					return fmt.Errorf("--end-date: %w", err)
				}
			}
			sum, err := a.issuance().Personalize(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}

	cmd.Flags().StringVar(&product, "product", "prime", "product type: prime, light or basic")
	cmd.Flags().Uint32Var(&appNum, "application-number", 0, "environment application number")
	cmd.Flags().Uint8Var(&company, "holder-company", 0, "holder company code")
	cmd.Flags().Uint32Var(&holder, "holder-id", 0, "holder id number")
	cmd.Flags().StringVar(&endDate, "end-date", "", "environment end date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&replace, "replace", false, "wipe the card if it already exists")
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	var (
		slot    int
		tariff  string
		until   string
		counter uint32
		saleSAM uint32
	)

	cmd := &cobra.Command{
		Use:   "load <serial>",
		Short: "Load a contract into a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := card.ParsePriorityCode(tariff)
			if err != nil {
				return err
			}
			end, err := time.Parse(dateLayout, until)
			if err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			sum, err := a.issuance().LoadContract(cmd.Context(), service.LoadContractRequest{
				Serial:          args[0],
				Slot:            slot,
				Tariff:          code,
				ValidityEndDate: end,
				Counter:         counter,
				SaleSAM:         saleSAM,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}

	cmd.Flags().IntVar(&slot, "slot", 1, "contract slot 1..4")
	cmd.Flags().StringVar(&tariff, "tariff", "season_pass", "season_pass, multi_trip or stored_value")
	cmd.Flags().StringVar(&until, "until", "", "validity end date (YYYY-MM-DD)")
	cmd.Flags().Uint32Var(&counter, "counter", 0, "trips or stored value for counter tariffs")
	cmd.Flags().Uint32Var(&saleSAM, "sale-sam", 0, "selling SAM id")
	_ = cmd.MarkFlagRequired("until")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <serial>",
		Short: "Decode every record of a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := a.issuance().Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List card serials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			serials, err := a.cards.ListCards(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range serials {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
}

func newValidateCmd(a *app) *cobra.Command {
	var (
		location uint16
		amount   int
	)

	cmd := &cobra.Command{
		Use:   "validate <serial>",
		Short: "Run the validation procedure against a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("location") && len(a.cfg.Locations) > 0 {
				location = a.cfg.Locations[0].ID
			}
			if !cmd.Flags().Changed("amount") {
				amount = a.cfg.ValidationAmount
			}

			terminals := memory.NewTerminalStore([]store.TerminalRecord{
				{TerminalID: cliTerminal, LocationID: location, Enabled: true},
			})
			svc := service.NewValidationService(service.NewTerminalRegistry(terminals, a.cfg.Locations), a.reader, service.ValidationOptions{
				Profile:          a.cfg.Profile,
				ValidationAmount: amount,
				CloseControl:     a.cfg.CloseControl,
				SessionTimeout:   a.cfg.SessionTimeout,
			}, a.logger)

			resp, err := svc.Validate(cmd.Context(), types.ValidationRequest{TerminalID: cliTerminal, CardSerial: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().Uint16Var(&location, "location", 0, "location id stamped on the event (default first configured)")
	cmd.Flags().IntVar(&amount, "amount", 1, "units taken from stored value")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
