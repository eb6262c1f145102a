// Package symbolmap loads the static canonical<->venue symbol table
// once at startup and exposes it as an immutable handle. There is
// deliberately no package-level singleton: every caller that needs a
// lookup receives the *SymbolMap constructed by Load.
package symbolmap

import (
	"encoding/json"
	"fmt"
	"os"

	"marketfeed/internal/xerrors"
)

// VenueStrings holds the alternate spellings a symbol takes on one
// venue's WebSocket and REST surfaces.
type VenueStrings struct {
	WS   string `json:"ws"`
	Rest string `json:"rest"`
}

// fileSchema mirrors the on-disk JSON: canonical symbol -> venue ->
// {ws, rest}.
type fileSchema map[string]map[string]VenueStrings

// SymbolMap is the immutable canonical<->venue translation table.
type SymbolMap struct {
	// toWS[venue][canonical] = venue ws string
	toWS map[string]map[string]string
	// fromWS[venue][ws string] = canonical
	fromWS map[string]map[string]string
	// toRest[venue][canonical] = venue rest string
	toRest map[string]map[string]string
	// fromRest[venue][rest string] = canonical
	fromRest map[string]map[string]string
}

// Load reads the symbol-mapping JSON file at path and builds the four
// lookup directions. A malformed file or an empty table is a
// ConfigError: this is a startup-time fatal condition, never a
// streaming-time one.
func Load(path string) (*SymbolMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &xerrors.ConfigError{Reason: "reading symbol map file " + path, Cause: err}
	}

	var schema fileSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, &xerrors.ConfigError{Reason: "parsing symbol map file " + path, Cause: err}
	}

	if len(schema) == 0 {
		return nil, &xerrors.ConfigError{Reason: "symbol map file " + path + " has no entries"}
	}

	sm := &SymbolMap{
		toWS:     make(map[string]map[string]string),
		fromWS:   make(map[string]map[string]string),
		toRest:   make(map[string]map[string]string),
		fromRest: make(map[string]map[string]string),
	}

	for canonical, venues := range schema {
		for venue, strs := range venues {
			if strs.WS != "" {
				ensure(sm.toWS, venue)[canonical] = strs.WS
				ensure(sm.fromWS, venue)[strs.WS] = canonical
			}
			if strs.Rest != "" {
				ensure(sm.toRest, venue)[canonical] = strs.Rest
				ensure(sm.fromRest, venue)[strs.Rest] = canonical
			}
		}
	}

	return sm, nil
}

func ensure(m map[string]map[string]string, key string) map[string]string {
	if m[key] == nil {
		m[key] = make(map[string]string)
	}
	return m[key]
}

// ToWS maps a canonical symbol to its venue WebSocket spelling.
func (sm *SymbolMap) ToWS(venue, canonical string) (string, error) {
	if s, ok := sm.toWS[venue][canonical]; ok {
		return s, nil
	}
	return "", &xerrors.ConfigError{Reason: fmt.Sprintf("no ws symbol for %s on %s", canonical, venue)}
}

// ToRest maps a canonical symbol to its venue REST spelling.
func (sm *SymbolMap) ToRest(venue, canonical string) (string, error) {
	if s, ok := sm.toRest[venue][canonical]; ok {
		return s, nil
	}
	return "", &xerrors.ConfigError{Reason: fmt.Sprintf("no rest symbol for %s on %s", canonical, venue)}
}

// FromWS maps a venue WebSocket spelling back to the canonical symbol.
func (sm *SymbolMap) FromWS(venue, wsSymbol string) (string, error) {
	if s, ok := sm.fromWS[venue][wsSymbol]; ok {
		return s, nil
	}
	return "", &xerrors.ConfigError{Reason: fmt.Sprintf("unknown ws symbol %q on %s", wsSymbol, venue)}
}

// FromRest maps a venue REST spelling back to the canonical symbol.
func (sm *SymbolMap) FromRest(venue, restSymbol string) (string, error) {
	if s, ok := sm.fromRest[venue][restSymbol]; ok {
		return s, nil
	}
	return "", &xerrors.ConfigError{Reason: fmt.Sprintf("unknown rest symbol %q on %s", restSymbol, venue)}
}
