package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SelectorPack holds the externally supplied DOM selectors used to drive one
// browser-backed platform's web UI. The engine makes no guarantee these stay
// valid against third-party UI changes; they are configuration, not code.
type SelectorPack struct {
	// LoginURL is the page the capture/re-login flow starts from.
	LoginURL string `yaml:"login_url"`
	// HomeURL is a post-login landing page used for the validity probe.
	HomeURL string `yaml:"home_url"`
	// LoggedInMarker is a selector that only exists behind authentication.
	LoggedInMarker string `yaml:"logged_in_marker"`

	UsernameField string `yaml:"username_field"`
	PasswordField string `yaml:"password_field"`
	LoginButton   string `yaml:"login_button"`

	// Action selectors keyed by operation, e.g. "post_compose", "post_submit",
	// "dm_recipient", "dm_body", "dm_send", "price_input", "price_save",
	// "schedule_toggle", "schedule_input", "stats_panel", "notifications_list".
	Actions map[string]string `yaml:"actions"`
}

// Selector returns the action selector for the given key, or an error naming it.
func (p SelectorPack) Selector(key string) (string, error) {
	sel, ok := p.Actions[key]
	if !ok || sel == "" {
		return "", fmt.Errorf("selector pack missing action %q", key)
	}
	return sel, nil
}

// LoadSelectors reads the per-platform selector packs from the given YAML file.
// Top-level keys are platform names ("fanforge"). A missing file yields an
// empty map; browser-backed adapters fail their calls until packs arrive.
func LoadSelectors(path string) (map[string]SelectorPack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]SelectorPack{}, nil
		}
		return nil, fmt.Errorf("read selectors: %w", err)
	}
	packs := make(map[string]SelectorPack)
	if err := yaml.Unmarshal(data, &packs); err != nil {
		return nil, fmt.Errorf("parse selectors: %w", err)
	}
	return packs, nil
}
