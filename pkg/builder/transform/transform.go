// Package transform applies search and replace rules to a checked out repository
// before it becomes part of the build context.
package transform

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Action names what a rule does
type Action string

const (
	// ActionReplace replaces all occurrences of Search with Replace in all text files
	ActionReplace Action = "replace"
	// ActionRename moves Source to Dest
	ActionRename Action = "rename"
	// ActionCopy copies the file Source to Dest
	ActionCopy Action = "copy"
)

// Rule is a single transformation
type Rule struct {
	Action  Action   `json:"action"`
	Search  string   `json:"search,omitempty"`
	Replace string   `json:"replace,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	Source  string   `json:"source,omitempty"`
	Dest    string   `json:"dest,omitempty"`
}

// Validate checks that the rule has everything its action needs
func (r Rule) Validate() error {
	switch r.Action {
	case ActionReplace:
		if r.Search == "" {
			return xerrors.Errorf("replace rule needs a search term")
		}
	case ActionRename, ActionCopy:
		if r.Source == "" || r.Dest == "" {
			return xerrors.Errorf("%s rule needs source and dest", r.Action)
		}
	default:
		return xerrors.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// ParseRules parses a JSON array of rules
func ParseRules(raw string) ([]Rule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var rules []Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, xerrors.Errorf("cannot parse search and replace rules: %w", err)
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, xerrors.Errorf("rule %d: %w", i, err)
		}
	}
	return rules, nil
}

// Apply runs all rules in order against the repository in root
func Apply(root string, rules []Rule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return xerrors.Errorf("rule %d: %w", i, err)
		}

		var err error
		switch r.Action {
		case ActionReplace:
			err = replace(root, r)
		case ActionRename:
			err = rename(root, r)
		case ActionCopy:
			err = copyFile(root, r)
		}
		if err != nil {
			return xerrors.Errorf("rule %d (%s): %w", i, r.Action, err)
		}
	}
	return nil
}

func replace(root string, r Rule) error {
	var (
		search  = []byte(r.Search)
		repl    = []byte(r.Replace)
		changed int
	)
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if osPathname == root {
				return nil
			}
			rel, err := filepath.Rel(root, osPathname)
			if err != nil {
				return err
			}
			if de.IsDir() {
				if de.Name() == ".git" || excluded(r.Exclude, rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if !de.IsRegular() || excluded(r.Exclude, rel) {
				return nil
			}

			ok, err := replaceInFile(osPathname, search, repl)
			if err != nil {
				return err
			}
			if ok {
				changed++
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"search": r.Search, "files": changed}).Debug("applied replace rule")
	return nil
}

func replaceInFile(fn string, search, repl []byte) (bool, error) {
	content, err := os.ReadFile(fn)
	if err != nil {
		return false, err
	}
	// binary files are never touched
	if bytes.IndexByte(content, 0) >= 0 {
		return false, nil
	}
	if !bytes.Contains(content, search) {
		return false, nil
	}

	stat, err := os.Stat(fn)
	if err != nil {
		return false, err
	}
	err = os.WriteFile(fn, bytes.ReplaceAll(content, search, repl), stat.Mode().Perm())
	if err != nil {
		return false, err
	}
	return true, nil
}

func rename(root string, r Rule) error {
	src, err := within(root, r.Source)
	if err != nil {
		return err
	}
	dst, err := within(root, r.Dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func copyFile(root string, r Rule) error {
	src, err := within(root, r.Source)
	if err != nil {
		return err
	}
	dst, err := within(root, r.Dest)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	stat, err := in.Stat()
	if err != nil {
		return err
	}
	if stat.IsDir() {
		return xerrors.Errorf("cannot copy directory %s", r.Source)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, stat.Mode().Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// within resolves rel against root and refuses paths that leave root
func within(root, rel string) (string, error) {
	res := filepath.Join(root, rel)
	if res != filepath.Clean(root) && !strings.HasPrefix(res, filepath.Clean(root)+string(filepath.Separator)) {
		return "", xerrors.Errorf("%s is outside of the repository", rel)
	}
	return res, nil
}
