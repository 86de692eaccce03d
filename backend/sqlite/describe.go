package sqlite

import (
	"github.com/axiomhq/hyperloglog"
	"github.com/princesaroj111/kestrel-lang"
)

// Describe summarizes a result table: one row per column with its
// declared type, non-null count, estimated distinct count, and null
// count.  Distinct counts come from a hyperloglog sketch so wide
// results stay cheap to summarize.
func Describe(t *kestrel.Table) *kestrel.Table {
	out := kestrel.NewTable(
		kestrel.Column{Name: "attribute", Type: kestrel.TypeString},
		kestrel.Column{Name: "type", Type: kestrel.TypeString},
		kestrel.Column{Name: "count", Type: kestrel.TypeInt},
		kestrel.Column{Name: "distinct", Type: kestrel.TypeInt},
		kestrel.Column{Name: "null", Type: kestrel.TypeInt},
	)
	for i, col := range t.Columns {
		sketch := hyperloglog.New()
		var count, nulls int64
		for _, row := range t.Rows {
			v := row[i]
			if v == nil {
				nulls++
				continue
			}
			count++
			sketch.Insert([]byte(kestrel.FormatValue(v)))
		}
		out.AppendRow(col.Name, col.Type.String(), count, int64(sketch.Estimate()), nulls)
	}
	return out
}
