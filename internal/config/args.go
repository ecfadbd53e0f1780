package config

import "path/filepath"

const (
	// ExecutableExt marks the target-executable startup slot.
	ExecutableExt = ".exe"
	// ModelsDatabaseExt marks the models-database connection-details slot.
	ModelsDatabaseExt = ".json"
)

// Args holds the two positional slots recognized on the agent command line.
type Args struct {
	ExecutablePath           string
	ModelsDatabaseConfigPath string
}

// ParseArgs assigns tokens to slots by extension. Later matches overwrite earlier ones and
// tokens with any other extension are ignored.
func ParseArgs(tokens []string) Args {
	var out Args
	for _, token := range tokens {
		switch filepath.Ext(token) {
		case ExecutableExt:
			out.ExecutablePath = token
		case ModelsDatabaseExt:
			out.ModelsDatabaseConfigPath = token
		}
	}
	return out
}

// HasTarget reports whether a target executable was supplied.
func (a Args) HasTarget() bool {
	return a.ExecutablePath != ""
}
