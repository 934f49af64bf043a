// Package config holds the controller-wide defaults that are read once at
// startup and shared read-only by every reconciliation.
package config

import (
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
)

// Environment variables consulted by [FromEnv].
const (
	EnvRenewalHours = "SAS_RENEWAL_HOURS"
	EnvTTLHours     = "SAS_TTL_HOURS"
)

// Flags registered by [Defaults.BindFlags].
const (
	FlagRenewalHours = "sas-renewal-hours"
	FlagTTLHours     = "sas-ttl-hours"
)

// Built-in defaults.
const (
	DefaultRenewalHours int64 = 24
	DefaultTTLHours     int64 = 48
)

// MaxHours bounds both settings. Azure issues user delegation keys for at
// most seven days.
const MaxHours int64 = 7 * 24

// Defaults apply to every SasGenerator that does not override them.
type Defaults struct {
	// RenewalHours is how long before expiry a token is renewed.
	RenewalHours int64
	// TTLHours is the lifetime of an issued token.
	TTLHours int64
}

// FromEnv reads the defaults through lookup (usually [os.LookupEnv]). Values
// that are unset keep the built-in default; values that do not parse keep it
// too and are reported on log.
func FromEnv(lookup func(string) (string, bool), log logr.Logger) Defaults {
	return Defaults{
		RenewalHours: hoursFromEnv(lookup, log, EnvRenewalHours, DefaultRenewalHours),
		TTLHours:     hoursFromEnv(lookup, log, EnvTTLHours, DefaultTTLHours),
	}
}

func hoursFromEnv(lookup func(string) (string, bool), log logr.Logger, key string, def int64) int64 {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Info("ignoring invalid environment value, using default",
			"variable", key, "value", raw, "default", def)
		return def
	}
	return v
}

// BindFlags registers flags that override the defaults. The current values
// of d are used as flag defaults, so call it after [FromEnv].
func (d *Defaults) BindFlags(fs *pflag.FlagSet) {
	fs.Int64Var(&d.RenewalHours, FlagRenewalHours, d.RenewalHours,
		"Hours before expiry at which tokens are renewed (env "+EnvRenewalHours+").")
	fs.Int64Var(&d.TTLHours, FlagTTLHours, d.TTLHours,
		"Lifetime of issued tokens in hours (env "+EnvTTLHours+").")
}

// Override returns d with every field replaced by the one in set whose flag
// was given on fs. Use it when the environment is read after flag parsing.
func (d Defaults) Override(fs *pflag.FlagSet, set Defaults) Defaults {
	if fs.Changed(FlagRenewalHours) {
		d.RenewalHours = set.RenewalHours
	}
	if fs.Changed(FlagTTLHours) {
		d.TTLHours = set.TTLHours
	}
	return d
}

// Validate rejects defaults that can never produce a usable token.
func (d Defaults) Validate() error {
	if d.TTLHours < 1 {
		return fmt.Errorf("ttl hours must be at least 1, got %d", d.TTLHours)
	}
	if d.TTLHours > MaxHours {
		return fmt.Errorf("ttl hours must be at most %d, got %d", MaxHours, d.TTLHours)
	}
	if d.RenewalHours < 0 {
		return fmt.Errorf("renewal hours must not be negative, got %d", d.RenewalHours)
	}
	if d.RenewalHours > MaxHours {
		return fmt.Errorf("renewal hours must be at most %d, got %d", MaxHours, d.RenewalHours)
	}
	return nil
}

// RenewsEveryReconcile reports whether the renewal window covers the whole
// token lifetime, which makes every reconciliation issue a new token.
func (d Defaults) RenewsEveryReconcile() bool {
	return d.RenewalHours >= d.TTLHours
}
