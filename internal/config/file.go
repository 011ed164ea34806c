package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

// validator.toml key mapping. Keys left out of the file keep their
// environment value.
type fileConfig struct {
	HTTPAddr         string `toml:"http_addr"`
	GRPCAddr         string `toml:"grpc_addr"`
	DBPath           string `toml:"db_path"`
	CardStore        string `toml:"card_store"`
	LogLevel         string `toml:"log_level"`
	ValidationAmount int    `toml:"validation_amount"`
	SessionTimeout   string `toml:"session_timeout"`
	CloseControl     string `toml:"close_control"`

	Profile   fileProfile      `toml:"profile"`
	Locations []types.Location `toml:"locations"`
	Terminals []fileTerminal   `toml:"terminals"`
}

type fileProfile struct {
	SFIEnvironment uint8 `toml:"sfi_environment"`
	SFIEventLog    uint8 `toml:"sfi_event_log"`
	SFIContracts   uint8 `toml:"sfi_contracts"`
	SFICounters    uint8 `toml:"sfi_counters"`
}

type fileTerminal struct {
	ID         string `toml:"id"`
	LocationID uint16 `toml:"location_id"`
	Disabled   bool   `toml:"disabled"`
}

// ApplyFile overlays the TOML file at path onto cfg.
func ApplyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load validator config: %w", err)
	}

	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("grpc_addr") {
		cfg.GRPCAddr = strings.TrimSpace(raw.GRPCAddr)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("card_store") {
		s := strings.ToLower(strings.TrimSpace(raw.CardStore))
		if s != "sqlite" && s != "memory" {
			return fmt.Errorf("load validator config: card_store %q (expected sqlite or memory)", raw.CardStore)
		}
		cfg.CardStore = s
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("validation_amount") {
		if raw.ValidationAmount < 1 {
			return fmt.Errorf("load validator config: validation_amount must be at least 1, got %d", raw.ValidationAmount)
		}
		cfg.ValidationAmount = raw.ValidationAmount
	}
	if meta.IsDefined("session_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SessionTimeout))
		if err != nil || d < 0 {
			return fmt.Errorf("load validator config: session_timeout %q", raw.SessionTimeout)
		}
		cfg.SessionTimeout = d
	}
	if meta.IsDefined("close_control") {
		cc, err := calypso.ParseChannelControl(raw.CloseControl)
		if err != nil {
			return fmt.Errorf("load validator config: %w", err)
		}
		cfg.CloseControl = cc
	}

	if meta.IsDefined("profile", "sfi_environment") {
		cfg.Profile.SFIEnvironment = raw.Profile.SFIEnvironment
	}
	if meta.IsDefined("profile", "sfi_event_log") {
		cfg.Profile.SFIEventLog = raw.Profile.SFIEventLog
	}
	if meta.IsDefined("profile", "sfi_contracts") {
		cfg.Profile.SFIContracts = raw.Profile.SFIContracts
	}
	if meta.IsDefined("profile", "sfi_counters") {
		cfg.Profile.SFICounters = raw.Profile.SFICounters
	}
	if err := checkProfile(cfg.Profile); err != nil {
		return fmt.Errorf("load validator config: %w", err)
	}

	if meta.IsDefined("locations") {
		seen := make(map[uint16]bool, len(raw.Locations))
		for _, l := range raw.Locations {
			if seen[l.ID] {
				return fmt.Errorf("load validator config: duplicate location id %d", l.ID)
			}
			seen[l.ID] = true
		}
		cfg.Locations = raw.Locations
	}
	if meta.IsDefined("terminals") {
		terminals := make([]store.TerminalRecord, 0, len(raw.Terminals))
		for _, t := range raw.Terminals {
			id := strings.TrimSpace(t.ID)
			if id == "" {
				return fmt.Errorf("load validator config: terminal without id")
			}
			terminals = append(terminals, store.TerminalRecord{TerminalID: id, LocationID: t.LocationID, Enabled: !t.Disabled})
		}
		cfg.Terminals = terminals
	}

	return nil
}

// checkProfile rejects SFIs outside 1..30 and files sharing an SFI.
func checkProfile(p calypso.Profile) error {
	sfis := map[string]uint8{
		"environment": p.SFIEnvironment,
		"event_log":   p.SFIEventLog,
		"contracts":   p.SFIContracts,
		"counters":    p.SFICounters,
	}
	used := make(map[uint8]string, len(sfis))
	for name, sfi := range sfis {
		if sfi < 1 || sfi > 30 {
			return fmt.Errorf("profile sfi_%s %#02x out of range", name, sfi)
		}
		if other, dup := used[sfi]; dup {
			return fmt.Errorf("profile sfi_%s and sfi_%s share %#02x", name, other, sfi)
		}
		used[sfi] = name
	}
	return nil
}
