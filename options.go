package sqlsession

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
)

// options mirrors Config with the classic option keys.
type options struct {
	Table               string        `mapstructure:"db_table"`
	IDCol               string        `mapstructure:"db_id_col"`
	DataCol             string        `mapstructure:"db_data_col"`
	LifetimeCol         string        `mapstructure:"db_lifetime_col"`
	CreatedAtCol        string        `mapstructure:"db_created_at_col"`
	UpdatedAtCol        string        `mapstructure:"db_updated_at_col"`
	IPCol               string        `mapstructure:"db_ip_col"`
	UserAgentCol        string        `mapstructure:"db_useragent_col"`
	LockMode            any           `mapstructure:"lock_mode"`
	MaxLifetime         time.Duration `mapstructure:"max_lifetime"`
	AdvisoryLockTimeout time.Duration `mapstructure:"advisory_lock_timeout"`
	DisableNativeUpsert bool          `mapstructure:"disable_native_upsert"`
}

// Numeric lock modes as they appear in legacy configuration files.
var legacyLockModes = map[int64]LockMode{
	0: LockNone,
	1: LockAdvisory,
	2: LockTransactional,
}

var durationType = reflect.TypeOf(time.Duration(0))

// DecodeOptions builds a Config from a generic option map using the classic
// keys: db_table, db_id_col, db_data_col, db_lifetime_col, db_created_at_col,
// db_updated_at_col, db_ip_col, db_useragent_col and lock_mode, plus
// max_lifetime, advisory_lock_timeout and disable_native_upsert.
//
// lock_mode takes a name ("none", "advisory", "transactional") or a legacy
// number (0, 1, 2). Durations take a number of seconds or a duration string.
// Unknown keys are ignored.
func DecodeOptions(in map[string]any) (Config, error) {
	var o options
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           &o,
	})
	if err != nil {
		return Config{}, fmt.Errorf("failed to create options decoder: %w", err)
	}
	if err := dec.Decode(in); err != nil {
		return Config{}, fmt.Errorf("failed to decode session options: %w", err)
	}
	mode, err := decodeLockMode(o.LockMode)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Table: o.Table,
		Columns: Columns{
			ID:        o.IDCol,
			Data:      o.DataCol,
			Lifetime:  o.LifetimeCol,
			CreatedAt: o.CreatedAtCol,
			UpdatedAt: o.UpdatedAtCol,
			IP:        o.IPCol,
			UserAgent: o.UserAgentCol,
		},
		LockMode:            mode,
		MaxLifetime:         o.MaxLifetime,
		AdvisoryLockTimeout: o.AdvisoryLockTimeout,
		DisableNativeUpsert: o.DisableNativeUpsert,
	}, nil
}

// decodeLockMode accepts a lock mode name or a legacy number. nil is the
// default mode.
func decodeLockMode(v any) (LockMode, error) {
	switch v := v.(type) {
	case nil:
		return LockTransactional, nil
	case LockMode:
		return v, nil
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return legacyLockMode(n)
		}
		return ParseLockMode(v)
	}
	n, ok := asInt(v)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedLockMode, v)
	}
	return legacyLockMode(n)
}

func legacyLockMode(n int64) (LockMode, error) {
	mode, ok := legacyLockModes[n]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedLockMode, n)
	}
	return mode, nil
}

// secondsHook reads bare numbers as seconds. Anything else is left to the
// duration string hook.
func secondsHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	if s, ok := data.(string); ok {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return data, nil
		}
		return time.Duration(n) * time.Second, nil
	}
	if f, ok := data.(float64); ok {
		return time.Duration(f * float64(time.Second)), nil
	}
	if n, ok := asInt(data); ok {
		return time.Duration(n) * time.Second, nil
	}
	return data, nil
}

func asInt(data any) (int64, bool) {
	v := reflect.ValueOf(data)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != float64(int64(f)) {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}
