package command

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/batonworks/baton/internal/snapshot"
	"github.com/batonworks/baton/internal/task"
)

// Tables holds the bidirectional shorthand maps. This is the only place
// short codes exist; everything past the interpreter sees canonical long
// forms, so shorthand can never leak into persisted data.
type Tables struct {
	statuses map[string]task.Status
	roles    map[string]task.Role
	docs     map[string]string
}

func DefaultTables() *Tables {
	return &Tables{
		statuses: map[string]task.Status{
			"NS":  task.StatusNotStarted,
			"INP": task.StatusInProgress,
			"NRV": task.StatusNeedsReview,
			"COM": task.StatusCompleted,
			"NCH": task.StatusNeedsChanges,
		},
		roles: map[string]task.Role{
			"BM": task.RoleBoomerang,
			"RS": task.RoleResearcher,
			"AR": task.RoleArchitect,
			"SD": task.RoleSeniorDeveloper,
			"CR": task.RoleCodeReview,
		},
		docs: map[string]string{
			"TD":  "task-description",
			"IP":  "implementation-plan",
			"RR":  "research-report",
			"CRD": "code-review-document",
			"CP":  "completion-report",
		},
	}
}

// ExpandStatus maps a shorthand code to its canonical status. Literal long
// forms pass through unchanged so clients that skip shorthand keep working.
func (t *Tables) ExpandStatus(raw, token string) (task.Status, error) {
	if s, ok := t.statuses[strings.ToUpper(token)]; ok {
		return s, nil
	}
	if s := task.Status(token); task.ValidStatus(s) {
		return s, nil
	}
	return "", task.InvalidCommandf(raw, "unknown status token %q", token)
}

func (t *Tables) ExpandRole(raw, token string) (task.Role, error) {
	if r, ok := t.roles[strings.ToUpper(token)]; ok {
		return r, nil
	}
	if r := task.Role(token); task.ValidRole(r) {
		return r, nil
	}
	return "", task.InvalidCommandf(raw, "unknown role token %q", token)
}

// ExpandDoc maps a document shorthand to its long form. Slice names
// (FULL, STATUS, COMMENTS, ...) are accepted directly, as are already-long
// document names.
func (t *Tables) ExpandDoc(raw, token string) (string, error) {
	if d, ok := t.docs[strings.ToUpper(token)]; ok {
		return d, nil
	}
	if s := snapshot.Slice(strings.ToUpper(token)); snapshot.ValidSlice(s) {
		return string(s), nil
	}
	if s := snapshot.Slice(token); snapshot.ValidSlice(s) {
		return string(s), nil
	}
	for _, long := range t.docs {
		if long == token {
			return token, nil
		}
	}
	return "", task.InvalidCommandf(raw, "unknown document token %q", token)
}

// SliceFor resolves an expanded document long form to a snapshot slice.
func SliceFor(doc string) (snapshot.Slice, bool) {
	switch doc {
	case "task-description":
		return snapshot.SliceDescription, true
	case "implementation-plan":
		return snapshot.SlicePlan, true
	}
	if s := snapshot.Slice(doc); snapshot.ValidSlice(s) {
		return s, true
	}
	return "", false
}

// CodeForRole returns the shorthand code for a canonical role, for compact
// responses. Falls back to the long form when no code exists.
func (t *Tables) CodeForRole(r task.Role) string {
	for code, role := range t.roles {
		if role == r {
			return code
		}
	}
	return string(r)
}

type overridesFile struct {
	Statuses  map[string]string `yaml:"statuses"`
	Roles     map[string]string `yaml:"roles"`
	Documents map[string]string `yaml:"documents"`
}

// LoadOverrides merges extra shorthand aliases from a YAML file. Built-in
// codes cannot be shadowed and aliases must target known long forms. A
// missing file is not an error.
func (t *Tables) LoadOverrides(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read shorthand overrides %q: %w", path, err)
	}

	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse shorthand overrides %q: %w", path, err)
	}

	for alias, long := range f.Statuses {
		code := strings.ToUpper(alias)
		if _, exists := t.statuses[code]; exists {
			return fmt.Errorf("shorthand override %q shadows a built-in status code", alias)
		}
		s := task.Status(long)
		if !task.ValidStatus(s) {
			return fmt.Errorf("shorthand override %q targets unknown status %q", alias, long)
		}
		t.statuses[code] = s
	}
	for alias, long := range f.Roles {
		code := strings.ToUpper(alias)
		if _, exists := t.roles[code]; exists {
			return fmt.Errorf("shorthand override %q shadows a built-in role code", alias)
		}
		r := task.Role(long)
		if !task.ValidRole(r) {
			return fmt.Errorf("shorthand override %q targets unknown role %q", alias, long)
		}
		t.roles[code] = r
	}
	for alias, long := range f.Documents {
		code := strings.ToUpper(alias)
		if _, exists := t.docs[code]; exists {
			return fmt.Errorf("shorthand override %q shadows a built-in document code", alias)
		}
		if _, ok := SliceFor(long); !ok {
			return fmt.Errorf("shorthand override %q targets unknown document %q", alias, long)
		}
		t.docs[code] = long
	}
	return nil
}
