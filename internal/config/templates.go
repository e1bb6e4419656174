package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template renders the defaults as a config.toml document.
func Template() (string, error) {
	d := Default()
	raw := fileConfig{
		Name:                d.Name,
		Address:             d.Address,
		ListenAddr:          d.ListenAddr,
		AdminAddr:           d.AdminAddr,
		ResponseTimeout:     d.ResponseTimeout.String(),
		RecordsPerSecond:    d.RecordsPerSecond,
		Burst:               d.Burst,
		MaxInFlight:         d.MaxInFlight,
		MaxConnectAttempts:  d.MaxConnectAttempts,
		SessionSecurityMode: string(d.Session.SecurityMode),
	}
	b, err := toml.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	return string(b), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
