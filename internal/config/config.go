package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string // "" disables the gRPC listener

	// DB
	Env       string // "dev" | "prod"
	DBPath    string // e.g. "./data/validator.db"
	CardStore string // "sqlite" | "memory"
	SeedDemo  bool   // dev only: write demo cards on start

	LogLevel string

	// Validation
	ValidationAmount int
	SessionTimeout   time.Duration
	CloseControl     calypso.ChannelControl
	Profile          calypso.Profile

	Locations []types.Location
	Terminals []store.TerminalRecord
}

// DefaultLocations is used when neither the environment nor the config file
// names any.
func DefaultLocations() []types.Location {
	return []types.Location{
		{ID: 1, Name: "Central Station"},
		{ID: 2, Name: "Harbour"},
		{ID: 3, Name: "University"},
		{ID: 4, Name: "Airport"},
	}
}

// DevTerminalID is the terminal a dev config enables when
// VALIDATOR_TERMINALS names none. It sits at the first location.
const DevTerminalID = "dev-gate"

func FromEnv() Config {
	addr := getenvDefault("VALIDATOR_HTTP_ADDR", ":8080")
	grpcAddr := getenvDefault("VALIDATOR_GRPC_ADDR", ":9090")
	if strings.EqualFold(strings.TrimSpace(grpcAddr), "off") {
		grpcAddr = ""
	}

	env := strings.ToLower(getenvDefault("VALIDATOR_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	cardStore := strings.ToLower(getenvDefault("VALIDATOR_CARD_STORE", "sqlite"))
	if cardStore != "sqlite" && cardStore != "memory" {
		cardStore = "sqlite"
	}

	cc, err := calypso.ParseChannelControl(os.Getenv("VALIDATOR_CLOSE_CONTROL"))
	if err != nil {
		cc = calypso.CloseAfter
	}

	amount := getenvInt("VALIDATOR_VALIDATION_AMOUNT", 1)
	if amount < 1 {
		amount = 1
	}

	locations := parseLocations(os.Getenv("VALIDATOR_LOCATIONS"))
	if len(locations) == 0 {
		locations = DefaultLocations()
	}

	terminals := parseTerminals(os.Getenv("VALIDATOR_TERMINALS"))
	if len(terminals) == 0 && env == "dev" {
		terminals = []store.TerminalRecord{{TerminalID: DevTerminalID, LocationID: locations[0].ID, Enabled: true}}
	}

	return Config{
		HTTPAddr: addr,
		GRPCAddr: grpcAddr,

		Env:       env,
		DBPath:    getenvDefault("VALIDATOR_DB_PATH", "./data/validator.db"),
		CardStore: cardStore,
		SeedDemo:  getenvBool("VALIDATOR_SEED_DEMO", env == "dev"),

		LogLevel: getenvDefault("VALIDATOR_LOG_LEVEL", "info"),

		ValidationAmount: amount,
		SessionTimeout:   time.Duration(getenvInt("VALIDATOR_SESSION_TIMEOUT_MS", 2000)) * time.Millisecond,
		CloseControl:     cc,
		Profile:          calypso.DefaultProfile(),

		Locations: locations,
		Terminals: terminals,
	}
}

// Load reads the environment and overlays VALIDATOR_CONFIG_FILE when set.
func Load() (Config, error) {
	cfg := FromEnv()
	path := strings.TrimSpace(os.Getenv("VALIDATOR_CONFIG_FILE"))
	if path == "" {
		return cfg, nil
	}
	if err := ApplyFile(&cfg, path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTerminals reads "gate-1=1,gate-2=2" (terminal id = location id).
// Malformed entries are skipped.
func parseTerminals(v string) []store.TerminalRecord {
	var out []store.TerminalRecord
	for _, p := range splitCSV(v) {
		id, loc, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		n, err := parseLocationID(loc)
		if err != nil || strings.TrimSpace(id) == "" {
			continue
		}
		out = append(out, store.TerminalRecord{TerminalID: strings.TrimSpace(id), LocationID: n, Enabled: true})
	}
	return out
}

// parseLocations reads "1=Central Station,2=Harbour". Malformed entries are
// skipped.
func parseLocations(v string) []types.Location {
	var out []types.Location
	for _, p := range splitCSV(v) {
		id, name, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		n, err := parseLocationID(id)
		if err != nil {
			continue
		}
		out = append(out, types.Location{ID: n, Name: strings.TrimSpace(name)})
	}
	return out
}

func parseLocationID(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("location id %q: %w", s, err)
	}
	return uint16(n), nil
}
