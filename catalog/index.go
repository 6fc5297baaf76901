package catalog

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"menucost/tools/storage"
)

// Entry is an immutable supplier catalog record. Entries are built once at
// load time and never mutated.
type Entry struct {
	ItemNumber  string  `json:"item_number"`
	Description string  `json:"description"`
	Brand       string  `json:"brand"`
	PackSize    string  `json:"pack_size"`
	CasePrice   float64 `json:"case_price"`
}

// Match is a catalog entry with its fuzzy match score (0-100).
type Match struct {
	Entry
	Score int `json:"match_score"`
}

// Index is a read-only fuzzy-search index over the supplier catalog. Search
// is a pure in-memory read; concurrent use needs no locking.
type Index struct {
	entries    []Entry
	searchKeys []string
}

// Logical columns resolved against the CSV header, case-insensitively.
// Supplier exports are not consistent about naming, so each column carries
// aliases.
var columnAliases = map[string][]string{
	"item_number": {"sysco item number", "item number", "id"},
	"description": {"product description", "description"},
	"brand":       {"brand"},
	"pack_size":   {"unit of measure", "pack size"},
	"case_price":  {"cost", "case price", "price"},
}

// Columns that must be present for the index to be usable.
var requiredColumns = []string{"item_number", "description", "case_price"}

// Load builds an index from catalog CSV rows. A missing required column is a
// load error; a dirty price cell is not (it degrades to zero so one bad row
// cannot take the whole catalog down).
func Load(r io.Reader) (*Index, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog header: %w", err)
	}

	cols, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	ix := &Index{
		entries:    make([]Entry, 0),
		searchKeys: make([]string, 0),
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog row: %w", err)
		}

		entry := Entry{
			ItemNumber:  field(row, cols["item_number"]),
			Description: field(row, cols["description"]),
			Brand:       field(row, cols["brand"]),
			PackSize:    field(row, cols["pack_size"]),
			CasePrice:   parsePrice(field(row, cols["case_price"])),
		}

		ix.entries = append(ix.entries, entry)
		// Description plus brand widens the surface area for the matcher.
		ix.searchKeys = append(ix.searchKeys, strings.ToLower(strings.TrimSpace(entry.Description+" "+entry.Brand)))
	}

	slog.Info("CATALOG: Indexed", "entries", len(ix.entries))
	return ix, nil
}

// LoadSource builds an index from a catalog source (local file, S3, test double).
func LoadSource(ctx context.Context, src storage.CatalogSource) (*Index, error) {
	data, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog source: %w", err)
	}
	return Load(bytes.NewReader(data))
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Search returns up to limit entries scoring at least cutoff (0-100) against
// the query, ordered by descending score with ties broken by original table
// order. Queries with no plausible relative return an empty slice; a
// low-confidence guess must never surface as a match because downstream
// pricing treats any returned match as plausible.
//
// Scoring uses the partial token-sort ratio: a short query that is a
// substring of a longer description scores at the maximum, and token order
// does not matter ("applewood smoked bacon" finds "BACON, APPLEWOOD,
// SMOKED"). A plain edit-distance ratio satisfies neither property.
func (ix *Index) Search(query string, limit, cutoff int) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return []Match{}
	}

	matches := make([]Match, 0, limit)
	for i, key := range ix.searchKeys {
		if key == "" {
			continue
		}
		score := fuzzy.PartialTokenSortRatio(q, key)
		if score >= cutoff {
			matches = append(matches, Match{Entry: ix.entries[i], Score: score})
		}
	}

	// Stable keeps original table order for equal scores.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func resolveColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(columnAliases))
	for name := range columnAliases {
		cols[name] = -1
	}

	for i, h := range header {
		normalized := strings.ToLower(strings.TrimSpace(h))
		for name, aliases := range columnAliases {
			if cols[name] != -1 {
				continue
			}
			for _, alias := range aliases {
				if normalized == alias {
					cols[name] = i
					break
				}
			}
		}
	}

	for _, name := range requiredColumns {
		if cols[name] == -1 {
			return nil, fmt.Errorf("catalog is missing required column %q (header: %s)", name, strings.Join(header, ", "))
		}
	}

	return cols, nil
}

func field(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// parsePrice reads a currency-formatted cell ("$1,234.56"). Unparsable cells
// degrade to zero so a dirty export does not make index load fatal.
func parsePrice(s string) float64 {
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if cleaned == "" {
		return 0
	}
	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		slog.Warn("CATALOG: Unparsable price, defaulting to zero", "value", s)
		return 0
	}
	return price
}
