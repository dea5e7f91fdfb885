package portal

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Markers describes how portal responses are classified. The exact criteria
// separating expired from denied from transient are portal-owned and shift
// between portal releases, so they are calibration data rather than code.
type Markers struct {
	// ExpiredStatuses are HTTP status codes that signal a dead QR token.
	ExpiredStatuses []int `yaml:"expired_statuses"`
	// ExpiredBodyMarkers are substrings (matched case-insensitively) whose
	// presence in the response body signals a dead QR token regardless of
	// status code.
	ExpiredBodyMarkers []string `yaml:"expired_markers"`
	// RetryStatuses are 4xx codes treated as transient instead of denied.
	RetryStatuses []int `yaml:"retry_statuses"`
}

// DefaultMarkers matches the portal behaviour observed at calibration time.
func DefaultMarkers() Markers {
	return Markers{
		ExpiredStatuses:    []int{410},
		ExpiredBodyMarkers: []string{"token expired", "qr expired", "устарел"},
		RetryStatuses:      []int{408, 429},
	}
}

// LoadMarkers reads a marker calibration file. Fields left empty in the file
// fall back to the defaults.
func LoadMarkers(path string) (Markers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Markers{}, fmt.Errorf("read markers file: %w", err)
	}

	m := DefaultMarkers()
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Markers{}, fmt.Errorf("parse markers file %s: %w", path, err)
	}
	return m, nil
}

func (m Markers) expiredStatus(status int) bool {
	for _, s := range m.ExpiredStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (m Markers) expiredBody(body string) bool {
	lowered := strings.ToLower(body)
	for _, marker := range m.ExpiredBodyMarkers {
		if marker != "" && strings.Contains(lowered, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (m Markers) retryStatus(status int) bool {
	for _, s := range m.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}
