package match

import (
	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"golang.org/x/text/cases"
)

// Scorer rates how alike two names are on a 0..100 scale.
type Scorer func(a, b string) float64

var jaroWinkler = metrics.NewJaroWinkler()

// JaroWinkler scores names by Jaro-Winkler similarity after Unicode case
// folding. Identical names score 100.
func JaroWinkler(a, b string) float64 {
	fold := cases.Fold()
	return strutil.Similarity(fold.String(a), fold.String(b), jaroWinkler) * 100
}
