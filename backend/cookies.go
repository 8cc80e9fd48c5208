package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// Browser cookie support for the extraction worker. Some sources throttle or
// block anonymous extraction; passing --cookies-from-browser works around it.

// cookiesArgs returns the worker arguments enabling browser cookies, or nil
// when no browser is configured or the profile cannot be resolved.
func cookiesArgs(browser string) []string {
	if browser == "" {
		return nil
	}
	resolved, err := resolveCookiesBrowser(browser)
	if err != nil {
		log := WithComponent("cookies")
		log.Warn().Err(err).Str("browser", browser).Msg("cookies disabled")
		return nil
	}
	return []string{"--cookies-from-browser", resolved}
}

// resolveCookiesBrowser converts a browser name to the worker's notation.
// Librewolf stores a Firefox-compatible profile but the worker only knows it
// as firefox:PATH.
func resolveCookiesBrowser(browser string) (string, error) {
	if browser != "librewolf" {
		return browser, nil
	}
	profilePath, err := librewolfProfilePath()
	if err != nil {
		return "", fmt.Errorf("failed to find librewolf profile: %w", err)
	}
	return fmt.Sprintf("firefox:%s", profilePath), nil
}

// librewolfProfilePath finds the default Librewolf profile directory.
func librewolfProfilePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	librewolfDir := filepath.Join(homeDir, ".librewolf")
	profilesIni := filepath.Join(librewolfDir, "profiles.ini")

	cfg, err := ini.Load(profilesIni)
	if err == nil {
		// Install* sections carry the default profile in newer formats
		for _, section := range cfg.Sections() {
			if strings.HasPrefix(section.Name(), "Install") {
				if path := section.Key("Default").String(); path != "" {
					fullPath := filepath.Join(librewolfDir, path)
					if _, err := os.Stat(fullPath); err == nil {
						return fullPath, nil
					}
				}
			}
		}
		for _, section := range cfg.Sections() {
			if strings.HasPrefix(section.Name(), "Profile") {
				if section.Key("Default").String() == "1" {
					if path := section.Key("Path").String(); path != "" {
						fullPath := filepath.Join(librewolfDir, path)
						if _, err := os.Stat(fullPath); err == nil {
							return fullPath, nil
						}
					}
				}
			}
		}
	}

	// Fallback: scan for a .default directory
	entries, err := os.ReadDir(librewolfDir)
	if err != nil {
		return "", fmt.Errorf("librewolf directory not found: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.Contains(entry.Name(), ".default") {
			return filepath.Join(librewolfDir, entry.Name()), nil
		}
	}

	return "", fmt.Errorf("no librewolf profile found")
}
