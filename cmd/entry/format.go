package entry

import (
	"fmt"
	"io"
	"strings"

	direntry "github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/store"
)

// ParseEntry creates an entry from type=value arguments
func ParseEntry(dn string, attrs []string) (*direntry.Entry, error) {
	if strings.TrimSpace(dn) == "" {
		return nil, fmt.Errorf("dn must not be empty")
	}
	e := direntry.New(dn)
	for _, arg := range attrs {
		attrType, value, ok := strings.Cut(arg, "=")
		attrType = strings.TrimSpace(attrType)
		if !ok || attrType == "" {
			return nil, fmt.Errorf("invalid attribute %q (expected type=value)", arg)
		}
		if a := e.Get(attrType); a != nil {
			a.Values = append(a.Values, value)
		} else {
			e.Set(attrType, value)
		}
	}
	return e, nil
}

// ParseModifications parses op:type[=value] arguments. Consecutive arguments
// with the same op and type are merged into one modification.
func ParseModifications(args []string) ([]store.Modification, error) {
	var mods []store.Modification
	for _, arg := range args {
		opName, rest, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("invalid modification %q (expected op:type[=value])", arg)
		}

		var op store.ModOp
		switch strings.ToLower(opName) {
		case "add":
			op = store.ModAdd
		case "delete", "del":
			op = store.ModDelete
		case "replace":
			op = store.ModReplace
		default:
			return nil, fmt.Errorf("invalid modification op %q (expected add, delete or replace)", opName)
		}

		attrType, value, hasValue := strings.Cut(rest, "=")
		attrType = strings.TrimSpace(attrType)
		if attrType == "" {
			return nil, fmt.Errorf("modification %q without attribute type", arg)
		}
		if op == store.ModAdd && !hasValue {
			return nil, fmt.Errorf("modification %q adds no value", arg)
		}

		if n := len(mods); n > 0 && mods[n-1].Op == op && strings.EqualFold(mods[n-1].Type, attrType) && hasValue {
			mods[n-1].Values = append(mods[n-1].Values, value)
			continue
		}
		mod := store.Modification{Op: op, Type: attrType}
		if hasValue {
			mod.Values = []string{value}
		}
		mods = append(mods, mod)
	}
	return mods, nil
}

// PrintEntry writes an entry in an LDIF like format
func PrintEntry(w io.Writer, e *direntry.Entry, withMetadata bool) error {
	if _, err := fmt.Fprintf(w, "dn: %s\n", e.DN); err != nil {
		return err
	}
	for _, a := range e.Attrs {
		for _, v := range a.Values {
			if _, err := fmt.Fprintf(w, "%s: %s\n", a.Type, v); err != nil {
				return err
			}
		}
		if withMetadata && a.MetaData != nil {
			if _, err := fmt.Fprintf(w, "# %s metadata: %s\n", a.Type, a.MetaData.String()); err != nil {
				return err
			}
		}
	}
	return nil
}
