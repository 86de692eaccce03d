package schema

import (
	"fmt"

	"github.com/agnivade/levenshtein"
)

// Suggest returns a ", did you mean ...?" fragment when name is a near
// miss of one candidate, or "" when nothing is close enough to help.
func Suggest(name string, candidates []string) string {
	const maxDistance = 3
	best := ""
	bestDist := maxDistance + 1
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(name, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf(", did you mean %q?", best)
}
