package validate

import "github.com/JakeFAU/cropcost-pipeline/internal/config"

// FromConfig converts the loaded validation settings into a validator Config.
func FromConfig(c config.ValidationConfig) Config {
	out := Config{
		MinYear:          c.MinYear,
		MaxYear:          c.MaxYear,
		Units:            c.Units,
		KnownCommodities: c.KnownCommodities,
		KnownLocations:   c.KnownLocations,
		KnownSources:     c.KnownSources,
	}
	if len(c.Bounds) > 0 {
		out.Bounds = make(map[string]Bound, len(c.Bounds))
		for name, b := range c.Bounds {
			out.Bounds[name] = Bound{Min: b.Min, Max: b.Max}
		}
	}
	if len(c.Weights) > 0 {
		out.Weights = make(map[Rule]int, len(c.Weights))
		for rule, w := range c.Weights {
			out.Weights[Rule(rule)] = w
		}
	}
	return out
}
