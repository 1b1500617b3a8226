package config

import (
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
)

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalDecodeHook lets viper unmarshal YAML numbers and strings into
// decimal.Decimal fields. YAML floats go through their string form so the
// configured digits are preserved exactly.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q: %w", v, err)
			}
			return d, nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			d, err := decimal.NewFromString(fmt.Sprintf("%v", v))
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %v: %w", v, err)
			}
			return d, nil
		default:
			return data, nil
		}
	}
}
