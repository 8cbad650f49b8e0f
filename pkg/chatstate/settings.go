package chatstate

const (
	DefaultSensitivity = 70
	DefaultModel       = "gpt-4"
)

// Settings are the per-conversation query-shaping options.
type Settings struct {
	Domain      *Domain `json:"domain,omitempty" yaml:"domain,omitempty"`
	Tags        []Tag   `json:"tags" yaml:"tags"`
	Sensitivity int     `json:"sensitivity" yaml:"sensitivity"`
	Prompt      string  `json:"prompt" yaml:"prompt"`
}

func DefaultSettings() Settings {
	return Settings{
		Tags:        []Tag{},
		Sensitivity: DefaultSensitivity,
		Prompt:      "",
	}
}

func (s Settings) clone() Settings {
	out := s
	if s.Domain != nil {
		d := *s.Domain
		out.Domain = &d
	}
	out.Tags = append([]Tag{}, s.Tags...)
	return out
}

// TagIDs returns the ids of the selected tags in selection order.
func (s Settings) TagIDs() []string {
	ids := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		ids = append(ids, string(t.ID))
	}
	return ids
}

// SettingsMod is a single field update applied by UpdateSettings.
type SettingsMod func(*Settings)

func WithDomain(d *Domain) SettingsMod {
	return func(s *Settings) {
		if d == nil {
			s.Domain = nil
			return
		}
		cp := *d
		s.Domain = &cp
	}
}

func WithTags(tags ...Tag) SettingsMod {
	return func(s *Settings) {
		s.Tags = append([]Tag{}, tags...)
	}
}

// WithAddedTag appends a tag unless one with the same id is already selected.
func WithAddedTag(t Tag) SettingsMod {
	return func(s *Settings) {
		for _, existing := range s.Tags {
			if existing.ID == t.ID {
				return
			}
		}
		s.Tags = append(s.Tags, t)
	}
}

func WithoutTag(id ID) SettingsMod {
	return func(s *Settings) {
		out := make([]Tag, 0, len(s.Tags))
		for _, t := range s.Tags {
			if t.ID != id {
				out = append(out, t)
			}
		}
		s.Tags = out
	}
}

// WithSensitivity sets the sensitivity, clamped to 0..100.
func WithSensitivity(v int) SettingsMod {
	return func(s *Settings) {
		switch {
		case v < 0:
			v = 0
		case v > 100:
			v = 100
		}
		s.Sensitivity = v
	}
}

func WithPrompt(p string) SettingsMod {
	return func(s *Settings) {
		s.Prompt = p
	}
}
