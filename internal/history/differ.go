package history

import "sort"

// Differ computes the Changes between two field sets. previous is nil for
// the first version of an entity.
type Differ interface {
	Diff(previous, current map[string]string) []Change
}

// FieldDiffer compares fields by value and reports one Change per field
// that was added, removed or modified, sorted by field name.
type FieldDiffer struct {
	ignored map[string]struct{}
}

func NewFieldDiffer(ignoredFields ...string) *FieldDiffer {
	d := &FieldDiffer{ignored: make(map[string]struct{}, len(ignoredFields))}
	for _, f := range ignoredFields {
		d.ignored[f] = struct{}{}
	}
	return d
}

func (d *FieldDiffer) Diff(previous, current map[string]string) []Change {
	fields := make(map[string]struct{}, len(previous)+len(current))
	for f := range previous {
		fields[f] = struct{}{}
	}
	for f := range current {
		fields[f] = struct{}{}
	}

	names := make([]string, 0, len(fields))
	for f := range fields {
		if _, skip := d.ignored[f]; !skip {
			names = append(names, f)
		}
	}
	sort.Strings(names)

	var changes []Change
	for _, f := range names {
		oldVal, hadOld := previous[f]
		newVal, hasNew := current[f]
		if hadOld == hasNew && oldVal == newVal {
			continue
		}

		c := Change{Field: f}
		if hadOld {
			c.OldValue = strPtr(oldVal)
		}
		if hasNew {
			c.NewValue = strPtr(newVal)
		}
		changes = append(changes, c)
	}
	return changes
}
