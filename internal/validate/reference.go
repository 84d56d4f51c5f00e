package validate

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// maxOrphanSample bounds how many orphan keys are quoted in a result message.
const maxOrphanSample = 5

// Reference declares a foreign-key column in Fact that must resolve to the
// primary-key column of Dim.
type Reference struct {
	Name       string
	Fact       Frame
	ForeignKey string
	Dim        Frame
	PrimaryKey string
}

// Orphans returns the distinct foreign-key values with no matching primary
// key, sorted. Null foreign keys are not orphans.
func Orphans(fk, pk []any) []string {
	keys := make(map[string]struct{}, len(pk))
	for _, v := range pk {
		if !isNull(v) {
			keys[key(v)] = struct{}{}
		}
	}
	seen := make(map[string]struct{})
	var orphans []string
	for _, v := range fk {
		if isNull(v) {
			continue
		}
		k := key(v)
		if _, ok := keys[k]; ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		orphans = append(orphans, k)
	}
	slices.Sort(orphans)
	return orphans
}

func (r Reference) check(stage string) (Result, error) {
	var missing []string
	fk, ok := r.Fact.Column(r.ForeignKey)
	if !ok {
		missing = append(missing, r.ForeignKey)
	}
	pk, ok := r.Dim.Column(r.PrimaryKey)
	if !ok {
		missing = append(missing, r.PrimaryKey)
	}
	if len(missing) > 0 {
		return Result{}, &SchemaError{Stage: stage, Missing: missing}
	}

	orphans := Orphans(fk, pk)
	msg := fmt.Sprintf("%s -> %s resolves", r.ForeignKey, r.PrimaryKey)
	if len(orphans) > 0 {
		sample := orphans[:min(len(orphans), maxOrphanSample)]
		msg = fmt.Sprintf("%d orphan %s values, e.g. %s", len(orphans), r.ForeignKey, strings.Join(sample, ", "))
	}
	column := r.Name
	if column == "" {
		column = r.ForeignKey
	}
	return Result{
		Stage:    stage,
		Column:   column,
		Check:    CheckReference,
		Passed:   len(orphans) == 0,
		Expected: "0 orphans",
		Actual:   strconv.Itoa(len(orphans)),
		Message:  msg,
	}, nil
}
