package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
	ThemeAuto  Theme = "auto"
)

func ParseTheme(raw string) (Theme, error) {
	switch t := Theme(strings.ToLower(strings.TrimSpace(raw))); t {
	case ThemeLight, ThemeDark, ThemeAuto:
		return t, nil
	}
	return "", apperr.Invalid("theme", "must be light, dark or auto")
}

type Preferences struct {
	Theme               Theme `yaml:"theme" json:"theme"`
	InfoBannerDismissed bool  `yaml:"info_banner_dismissed" json:"info_banner_dismissed"`
}

// AppState is the client's persisted state. Load it once at startup and pass
// it to whatever needs it.
type AppState struct {
	Prefs Preferences
	path  string
}

func DefaultStatePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "frametagger", "state.yaml"), nil
}

// LoadState reads path. A missing file yields default preferences.
func LoadState(path string) (*AppState, error) {
	st := &AppState{Prefs: Preferences{Theme: ThemeAuto}, path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &st.Prefs); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if _, err := ParseTheme(string(st.Prefs.Theme)); err != nil {
		st.Prefs.Theme = ThemeAuto
	}
	return st, nil
}

func (s *AppState) Path() string { return s.path }

func (s *AppState) SetTheme(raw string) error {
	t, err := ParseTheme(raw)
	if err != nil {
		return err
	}
	s.Prefs.Theme = t
	return s.Save()
}

func (s *AppState) DismissInfoBanner() error {
	s.Prefs.InfoBannerDismissed = true
	return s.Save()
}

// Save writes the preferences through a temp file and rename.
func (s *AppState) Save() error {
	data, err := yaml.Marshal(s.Prefs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
