package config

import (
	"os"
	"strings"
)

// Placeholders substituted for secrets in the process's own argv and
// environment once parsing is done, so ps/procfs and crash reports never see
// credentials.
const (
	PasswordPlaceholder   = "<APPLE ID PASSWORD>"
	UsernamePlaceholder   = "<APPLE ID USER>"
	TrustTokenPlaceholder = "<TRUST TOKEN>"
)

var sensitiveEnv = map[string]string{
	"APPLE_ID_PWD":  PasswordPlaceholder,
	"APPLE_ID_USER": UsernamePlaceholder,
	"TRUST_TOKEN":   TrustTokenPlaceholder,
}

// Scrub replaces sensitive values in os.Args and the environment with
// placeholders. Call after the configuration has been captured.
func (c *Config) Scrub() {
	scrubArgs(os.Args, c.Password, PasswordPlaceholder)
	scrubArgs(os.Args, c.TrustToken, TrustTokenPlaceholder)
	for name, placeholder := range sensitiveEnv {
		if os.Getenv(name) != "" {
			os.Setenv(name, placeholder)
		}
	}
}

func scrubArgs(args []string, secret, placeholder string) {
	if secret == "" {
		return
	}
	for i, arg := range args {
		if arg == secret {
			args[i] = placeholder
			continue
		}
		// --flag=value form
		if idx := strings.IndexByte(arg, '='); idx >= 0 && arg[idx+1:] == secret {
			args[i] = arg[:idx+1] + placeholder
		}
	}
}
