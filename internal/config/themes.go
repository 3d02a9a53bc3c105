package config

import (
	"fmt"

	"github.com/dyluth/atelier/pkg/workshop"
)

// Theme is how a personality is presented.
type Theme struct {
	Label  string
	Color  string
	Symbol string
}

// Colors lists the color names a theme may use.
var Colors = []string{"red", "green", "yellow", "blue", "magenta", "cyan", "white"}

// defaultThemes is never mutated; configured overrides are merged into a copy.
var defaultThemes = map[workshop.Personality]Theme{
	workshop.PersonalityCreative:    {Label: "Creative", Color: "magenta", Symbol: "✦"},
	workshop.PersonalityPragmatic:   {Label: "Pragmatic", Color: "green", Symbol: "■"},
	workshop.PersonalityTechnical:   {Label: "Technical", Color: "blue", Symbol: "⚙"},
	workshop.PersonalityEmpathetic:  {Label: "Empathetic", Color: "yellow", Symbol: "♥"},
	workshop.PersonalityCritic:      {Label: "Critic", Color: "red", Symbol: "✗"},
	workshop.PersonalityFacilitator: {Label: "Facilitator", Color: "cyan", Symbol: "◆"},
}

func buildThemes(overrides map[workshop.Personality]ThemeConfig) (map[workshop.Personality]Theme, error) {
	themes := make(map[workshop.Personality]Theme, len(defaultThemes))
	for p, t := range defaultThemes {
		themes[p] = t
	}

	for p, o := range overrides {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("personalities: %w (known: %v)", err, knownPersonalities())
		}
		t := themes[p]
		if o.Label != "" {
			t.Label = o.Label
		}
		if o.Color != "" {
			if !validColor(o.Color) {
				return nil, fmt.Errorf("personalities.%s: unknown color %q (must be one of %v)", p, o.Color, Colors)
			}
			t.Color = o.Color
		}
		if o.Symbol != "" {
			t.Symbol = o.Symbol
		}
		themes[p] = t
	}
	return themes, nil
}

func validColor(name string) bool {
	for _, c := range Colors {
		if c == name {
			return true
		}
	}
	return false
}
