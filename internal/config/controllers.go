package config

import (
	"github.com/go-viper/mapstructure/v2"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/strategy"
)

// BuildController turns one instance declaration into a live controller.
// Params are decoded per kind; the strategy constructors reject invalid
// parameter combinations with exact messages.
func BuildController(ic InstanceConfig) (strategy.Controller, error) {
	kind, err := strategy.ParseKind(ic.Kind)
	if err != nil {
		return nil, engerr.NewValidation("config", "instance %q: %v", ic.ID, err)
	}

	switch kind {
	case strategy.KindDCA:
		var params strategy.DCAParams
		if err := decodeParams(ic, &params); err != nil {
			return nil, err
		}
		return strategy.NewDCA(ic.Symbol, params)
	case strategy.KindGrid:
		var params strategy.GridParams
		if err := decodeParams(ic, &params); err != nil {
			return nil, err
		}
		return strategy.NewGrid(ic.Symbol, params)
	case strategy.KindScalping:
		var params strategy.ScalpingParams
		if err := decodeParams(ic, &params); err != nil {
			return nil, err
		}
		return strategy.NewScalping(ic.Symbol, params)
	case strategy.KindCustom:
		var params strategy.CustomParams
		if err := decodeParams(ic, &params); err != nil {
			return nil, err
		}
		return strategy.NewCustom(ic.Symbol, params)
	}
	return nil, engerr.NewValidation("config", "instance %q: unsupported kind %q", ic.ID, ic.Kind)
}

func decodeParams(ic InstanceConfig, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  decodeHook(),
		Result:      dst,
		ErrorUnused: true,
	})
	if err != nil {
		return engerr.NewValidation("config", "instance %q params: %v", ic.ID, err)
	}
	if err := dec.Decode(ic.Params); err != nil {
		return engerr.NewValidation("config", "instance %q params: %v", ic.ID, err)
	}
	return nil
}
