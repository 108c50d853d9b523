package lib

// Config is the typed root of the library configuration. Field names map
// to viper keys via mapstructure tags.
type Config struct {
	Relays     RelaySettings      `json:"relays" mapstructure:"relays"`
	Pow        PowSettings        `json:"pow" mapstructure:"pow"`
	Content    ContentSettings    `json:"content" mapstructure:"content"`
	Features   FeatureSettings    `json:"features" mapstructure:"features"`
	Moderation ModerationSettings `json:"moderation" mapstructure:"moderation"`
	Timeouts   TimeoutSettings    `json:"timeouts" mapstructure:"timeouts"`
	Storage    StorageSettings    `json:"storage" mapstructure:"storage"`
	Logging    LoggingSettings    `json:"logging" mapstructure:"logging"`
}

// RelaySettings configures the candidate relay set.
type RelaySettings struct {
	Read          []string `json:"read" mapstructure:"read"`
	Profile       []string `json:"profile" mapstructure:"profile"`
	MaxRelays     int      `json:"max_relays" mapstructure:"max_relays"`
	AllowPaid     bool     `json:"allow_paid" mapstructure:"allow_paid"`
	LegacyAnchors bool     `json:"legacy_anchors" mapstructure:"legacy_anchors"`
}

// PowSettings configures proof-of-work admission and mining.
type PowSettings struct {
	WriteDifficulty int `json:"write_difficulty" mapstructure:"write_difficulty"`
	MinRead         int `json:"min_read" mapstructure:"min_read"`
	MaxWrite        int `json:"max_write" mapstructure:"max_write"`
}

// ContentSettings configures comment content constraints.
type ContentSettings struct {
	MaxCommentLength int      `json:"max_comment_length" mapstructure:"max_comment_length"`
	Languages        []string `json:"languages" mapstructure:"languages"`
	ClientTag        string   `json:"client_tag" mapstructure:"client_tag"`
}

// FeatureSettings lists features the host application disabled.
type FeatureSettings struct {
	Disable []string `json:"disable" mapstructure:"disable"`
}

// ModerationSettings configures block/spam list handling.
type ModerationSettings struct {
	SpamAPIURL   string `json:"spam_api_url" mapstructure:"spam_api_url"`
	CheckUpdates bool   `json:"check_updates" mapstructure:"check_updates"`
}

// TimeoutSettings holds the two wait bounds every relay operation uses:
// the short one for connects and queries, the default one for publishes.
type TimeoutSettings struct {
	ShortMS   int `json:"short_ms" mapstructure:"short_ms"`
	DefaultMS int `json:"default_ms" mapstructure:"default_ms"`
}

// StorageSettings configures the badger-backed local cache.
type StorageSettings struct {
	Path     string `json:"path" mapstructure:"path"`
	InMemory bool   `json:"in_memory" mapstructure:"in_memory"`
}

// LoggingSettings configures the leveled logger.
type LoggingSettings struct {
	Level  string `json:"level" mapstructure:"level"`
	Output string `json:"output" mapstructure:"output"`
	File   string `json:"file" mapstructure:"file"`
}

// FeatureDisabled reports whether the named feature was disabled by the
// host application.
func (c *Config) FeatureDisabled(name string) bool {
	for _, f := range c.Features.Disable {
		if f == name {
			return true
		}
	}
	return false
}
