package marketdata

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// LoadInstruments reads the instrument master from a JSON file. The file is
// regenerated daily from the broker's instrument dump by an external job;
// the process treats it as immutable for the session.
func LoadInstruments(path string) ([]types.Instrument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments: %w", err)
	}
	var instruments []types.Instrument
	if err := json.Unmarshal(raw, &instruments); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}
	seen := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		if inst.Symbol == "" {
			return nil, fmt.Errorf("instrument with empty symbol in %s", path)
		}
		if _, dup := seen[inst.Symbol]; dup {
			return nil, fmt.Errorf("duplicate instrument %s in %s", inst.Symbol, path)
		}
		seen[inst.Symbol] = struct{}{}
		if inst.LotSize <= 0 && !inst.IndexName {
			return nil, fmt.Errorf("instrument %s has no lot size", inst.Symbol)
		}
	}
	return instruments, nil
}

// FilterUniverse keeps only the requested symbols, plus every index
// instrument so the regime benchmark is always present. An empty request
// keeps the full master.
func FilterUniverse(master []types.Instrument, symbols []string) []types.Instrument {
	if len(symbols) == 0 {
		return master
	}
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	out := make([]types.Instrument, 0, len(symbols))
	for _, inst := range master {
		if _, ok := want[inst.Symbol]; ok || inst.IndexName {
			out = append(out, inst)
		}
	}
	return out
}
