package portal

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Roster maps local student identifiers to the portal identity tokens
// established during authentication. The orchestrator looks tokens up here so
// the adapter always receives an already-resolved identity.
type Roster struct {
	identities map[int64]string
}

type rosterFile struct {
	Identities map[int64]string `yaml:"identities"`
}

// LoadRoster reads the identity roster from a YAML file.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity roster: %w", err)
	}

	var parsed rosterFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse identity roster %s: %w", path, err)
	}
	if len(parsed.Identities) == 0 {
		return nil, fmt.Errorf("identity roster %s contains no identities", path)
	}

	return &Roster{identities: parsed.Identities}, nil
}

// NewRoster builds a roster from an in-memory mapping.
func NewRoster(identities map[int64]string) *Roster {
	copied := make(map[int64]string, len(identities))
	for id, token := range identities {
		copied[id] = token
	}
	return &Roster{identities: copied}
}

// Token returns the portal identity for a student, or false when the student
// has never authenticated against the portal.
func (r *Roster) Token(studentID int64) (string, bool) {
	if r == nil {
		return "", false
	}
	token, ok := r.identities[studentID]
	return token, ok
}

// Len reports how many students have portal identities.
func (r *Roster) Len() int {
	if r == nil {
		return 0
	}
	return len(r.identities)
}
