package aggregate

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/sdmx-databuilder/pkg/normalize"
	"github.com/Sternrassler/sdmx-databuilder/pkg/period"
)

func q(year, quarter int) period.Period {
	return period.Period{Freq: period.Quarterly, Year: year, Sub: quarter}
}

func rec(col, country string, p period.Period, v normalize.Value) normalize.Record {
	return normalize.Record{Date: p, Country: country, Column: col, Value: v}
}

// Two columns over 2023-Q1..Q2 with partially overlapping country coverage.
func TestBuild_OuterUnionWithGaps(t *testing.T) {
	records := []normalize.Record{
		rec("A", "USA", q(2023, 1), normalize.Of(1)),
		rec("A", "USA", q(2023, 2), normalize.Of(2)),
		rec("A", "FRA", q(2023, 1), normalize.Of(3)),
		rec("B", "USA", q(2023, 1), normalize.Of(10)),
		rec("B", "DEU", q(2023, 2), normalize.Of(20)),
	}

	table, err := Build([]string{"A", "B"}, records)
	require.NoError(t, err)

	assert.Equal(t, []string{"date", "country", "A", "B"}, table.Header())
	require.Len(t, table.Rows, 4)

	var keys []string
	for _, r := range table.Rows {
		keys = append(keys, r.Date.String()+"/"+r.Country)
	}
	assert.Equal(t, []string{"2023-Q1/FRA", "2023-Q1/USA", "2023-Q2/DEU", "2023-Q2/USA"}, keys)

	v, ok := table.Value(q(2023, 1), "FRA", "B")
	require.True(t, ok)
	assert.False(t, v.Valid, "FRA only reported in A")

	v, ok = table.Value(q(2023, 2), "DEU", "A")
	require.True(t, ok)
	assert.False(t, v.Valid)

	v, ok = table.Value(q(2023, 1), "USA", "B")
	require.True(t, ok)
	assert.Equal(t, normalize.Of(10), v)

	_, ok = table.Value(q(2024, 1), "USA", "A")
	assert.False(t, ok)
	_, ok = table.Value(q(2023, 1), "USA", "C")
	assert.False(t, ok)

	assert.Equal(t, map[string]int{"A": 1, "B": 2}, table.Gaps())
	assert.Equal(t, []string{"DEU", "FRA", "USA"}, table.Countries())
}

func TestBuild_ExplicitMissingKeepsRow(t *testing.T) {
	table, err := Build([]string{"A"}, []normalize.Record{
		rec("A", "JPN", q(2023, 1), normalize.Missing()),
	})
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.False(t, table.Rows[0].Values[0].Valid)
}

func TestBuild_ColumnWithoutRecords(t *testing.T) {
	table, err := Build([]string{"A", "B"}, []normalize.Record{
		rec("A", "USA", q(2023, 1), normalize.Of(1)),
	})
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, []normalize.Value{normalize.Of(1), normalize.Missing()}, table.Rows[0].Values)
}

func TestBuild_CellConflicts(t *testing.T) {
	table, err := Build([]string{"A"}, []normalize.Record{
		rec("A", "USA", q(2023, 1), normalize.Missing()),
		rec("A", "USA", q(2023, 1), normalize.Of(5)),
		rec("A", "USA", q(2023, 1), normalize.Of(6)),
		rec("A", "USA", q(2023, 1), normalize.Missing()),
	})
	require.NoError(t, err)
	assert.Equal(t, normalize.Of(5), table.Rows[0].Values[0])

	require.Len(t, table.Conflicts, 1)
	assert.Equal(t, Conflict{
		Date:    q(2023, 1),
		Country: "USA",
		Column:  "A",
		Kept:    normalize.Of(5),
		Dropped: normalize.Of(6),
	}, table.Conflicts[0])
}

func TestBuild_ConflictsSortedByCell(t *testing.T) {
	table, err := Build([]string{"A", "B"}, []normalize.Record{
		rec("B", "USA", q(2023, 2), normalize.Of(1)),
		rec("B", "USA", q(2023, 2), normalize.Of(2)),
		rec("A", "USA", q(2023, 2), normalize.Of(3)),
		rec("A", "USA", q(2023, 2), normalize.Of(4)),
		rec("A", "FRA", q(2023, 1), normalize.Of(5)),
		rec("A", "FRA", q(2023, 1), normalize.Of(6)),
	})
	require.NoError(t, err)

	var cells []string
	for _, c := range table.Conflicts {
		cells = append(cells, c.Date.String()+"/"+c.Country+"/"+c.Column)
	}
	assert.Equal(t, []string{"2023-Q1/FRA/A", "2023-Q2/USA/A", "2023-Q2/USA/B"}, cells)
}

func TestBuild_NoConflictsWithoutDuplicates(t *testing.T) {
	table, err := Build([]string{"A"}, []normalize.Record{
		rec("A", "USA", q(2023, 1), normalize.Of(1)),
		rec("A", "USA", q(2023, 1), normalize.Missing()),
	})
	require.NoError(t, err)
	assert.Empty(t, table.Conflicts)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build([]string{"A"}, []normalize.Record{rec("X", "USA", q(2023, 1), normalize.Of(1))})
	var unknown *UnknownColumnError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "X", unknown.Column)

	_, err = Build([]string{"A", "A"}, nil)
	assert.Error(t, err)

	_, err = Build([]string{"country"}, nil)
	assert.Error(t, err)

	_, err = Build([]string{"GDP", "gdp"}, nil)
	assert.Error(t, err, "names differing only in case")

	_, err = Build([]string{"Date"}, nil)
	assert.Error(t, err)
}

func TestBuild_SortsMixedYears(t *testing.T) {
	table, err := Build([]string{"A"}, []normalize.Record{
		rec("A", "USA", q(2024, 1), normalize.Of(3)),
		rec("A", "USA", q(2022, 4), normalize.Of(1)),
		rec("A", "USA", q(2023, 2), normalize.Of(2)),
	})
	require.NoError(t, err)
	for i, want := range []period.Period{q(2022, 4), q(2023, 2), q(2024, 1)} {
		assert.Equal(t, want, table.Rows[i].Date)
	}
}

func TestBuild_Idempotent(t *testing.T) {
	records := []normalize.Record{
		rec("A", "USA", q(2023, 1), normalize.Of(1)),
		rec("B", "KOR", q(2023, 2), normalize.Of(2)),
	}
	first, err := Build([]string{"A", "B"}, records)
	require.NoError(t, err)
	second, err := Build([]string{"A", "B"}, records)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// Merging the columns' record groups in any order yields the same table.
func TestBuild_ColumnOrderCommutes(t *testing.T) {
	columns := []string{"A", "B", "C", "D"}
	countries := []string{"USA", "FRA", "DEU"}

	genGroup := func(col string) gopter.Gen {
		return gen.SliceOfN(8, gen.IntRange(-1, 50)).Map(func(vs []int) []normalize.Record {
			var out []normalize.Record
			for i, v := range vs {
				value := normalize.Of(float64(v))
				if v < 0 {
					value = normalize.Missing()
				}
				out = append(out, rec(col, countries[i%len(countries)], q(2023, i%4+1), value))
			}
			return out
		})
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("column merge order does not matter", prop.ForAll(
		func(a, b, c, d []normalize.Record, rotate int) bool {
			groups := [][]normalize.Record{a, b, c, d}
			var forward, rotated []normalize.Record
			for i := range groups {
				forward = append(forward, groups[i]...)
				rotated = append(rotated, groups[(i+rotate)%len(groups)]...)
			}
			t1, err1 := Build(columns, forward)
			t2, err2 := Build(columns, rotated)
			if err1 != nil || err2 != nil {
				return false
			}
			return reflect.DeepEqual(t1, t2)
		},
		genGroup("A"), genGroup("B"), genGroup("C"), genGroup("D"),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

func ExampleBuild() {
	table, _ := Build([]string{"gdp", "pop"}, []normalize.Record{
		rec("gdp", "USA", q(2023, 1), normalize.Of(100)),
		rec("pop", "USA", q(2023, 1), normalize.Of(335)),
		rec("pop", "FRA", q(2023, 1), normalize.Of(68)),
	})
	for _, r := range table.Rows {
		fmt.Println(r.Date, r.Country, r.Values[0], r.Values[1])
	}
	// Output:
	// 2023-Q1 FRA  68
	// 2023-Q1 USA 100 335
}
