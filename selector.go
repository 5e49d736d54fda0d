package storekit

import (
	"context"
	"strings"

	"github.com/gobwas/glob"
)

// ============================================================================
// Selector Interface
// ============================================================================

// Selector filters entries during ListWithSelector.
//
// Example usage:
//
//	// Every JSON file below config/
//	entries, err := op.ListWithSelector(ctx, "config/", storekit.Glob("config/**.json"), true)
//
//	// Composed selector
//	selector := storekit.And(
//	    storekit.Glob("**.jpg"),
//	    storekit.FuncSelector(func(e *storekit.Entry) bool {
//	        return e.Metadata.SizeOr(0) < 10*1024*1024
//	    }),
//	)
type Selector interface {
	// Match returns true if the entry should be included in results.
	Match(e *Entry) bool

	// TraverseDescendants returns true if a directory should be descended
	// into. Only called for directories.
	TraverseDescendants(e *Entry) bool
}

// ============================================================================
// ListWithSelector
// ============================================================================

// ListWithSelector lists the files below path that match selector. With
// recursive set it walks subdirectories the selector lets it traverse,
// listing one directory at a time.
func (o *Operator) ListWithSelector(ctx context.Context, path string, selector Selector, recursive bool) ([]Entry, error) {
	if selector == nil {
		selector = All()
	}
	var results []Entry
	if err := o.listSelected(ctx, path, selector, recursive, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Operator) listSelected(ctx context.Context, path string, selector Selector, recursive bool, results *[]Entry) error {
	for e, err := range o.List(ctx, path) {
		if err != nil {
			return err
		}
		if e.Metadata.IsDir() {
			if recursive && selector.TraverseDescendants(&e) {
				if err := o.listSelected(ctx, e.Path, selector, recursive, results); err != nil {
					return err
				}
			}
			continue
		}
		if selector.Match(&e) {
			*results = append(*results, e)
		}
	}
	return nil
}

// ============================================================================
// Built-in Selectors
// ============================================================================

// AllSelector matches all files and traverses all directories.
type AllSelector struct{}

func (s AllSelector) Match(*Entry) bool               { return true }
func (s AllSelector) TraverseDescendants(*Entry) bool { return true }

// All returns a selector that matches all files.
func All() Selector {
	return AllSelector{}
}

type globSelector struct {
	g glob.Glob
}

// Glob creates a selector matching entry paths against a glob pattern with
// "/" as separator. "*" stops at a separator, "**" crosses them. A
// pattern without a separator is matched against the entry name.
//
// Examples:
//
//	Glob("*.txt")            // .txt files at any depth, matched by name
//	Glob("logs/*.log")       // .log files directly below logs/
//	Glob("data/**.parquet")  // .parquet files anywhere below data/
//
// An invalid pattern matches nothing.
func Glob(pattern string) Selector {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return FuncSelectorFull(func(*Entry) bool { return false }, func(*Entry) bool { return false })
	}
	if !strings.Contains(pattern, "/") {
		return &nameGlobSelector{g: g}
	}
	return &globSelector{g: g}
}

func (s *globSelector) Match(e *Entry) bool               { return s.g.Match(e.Path) }
func (s *globSelector) TraverseDescendants(*Entry) bool { return true }

type nameGlobSelector struct {
	g glob.Glob
}

func (s *nameGlobSelector) Match(e *Entry) bool               { return s.g.Match(e.Name()) }
func (s *nameGlobSelector) TraverseDescendants(*Entry) bool { return true }

type depthSelector struct {
	maxDepth int
	basePath string
}

// Depth limits traversal to maxDepth levels below basePath. Depth 1 is
// the immediate children only.
func Depth(maxDepth int, basePath string) Selector {
	base, err := NormalizePath(basePath)
	if err != nil || base == "/" {
		base = ""
	}
	return &depthSelector{
		maxDepth: maxDepth,
		basePath: strings.TrimSuffix(base, "/"),
	}
}

func (s *depthSelector) depth(path string) int {
	rel := strings.TrimPrefix(path, s.basePath)
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

func (s *depthSelector) Match(e *Entry) bool {
	return s.depth(e.Path) <= s.maxDepth
}

func (s *depthSelector) TraverseDescendants(e *Entry) bool {
	return s.depth(e.Path) < s.maxDepth
}

// ============================================================================
// Composable Selectors (And, Or, Not)
// ============================================================================

type andSelector struct {
	selectors []Selector
}

// And matches only if all selectors match.
func And(selectors ...Selector) Selector {
	return &andSelector{selectors: selectors}
}

func (s *andSelector) Match(e *Entry) bool {
	for _, sel := range s.selectors {
		if !sel.Match(e) {
			return false
		}
	}
	return true
}

func (s *andSelector) TraverseDescendants(e *Entry) bool {
	for _, sel := range s.selectors {
		if !sel.TraverseDescendants(e) {
			return false
		}
	}
	return true
}

type orSelector struct {
	selectors []Selector
}

// Or matches if any selector matches.
func Or(selectors ...Selector) Selector {
	return &orSelector{selectors: selectors}
}

func (s *orSelector) Match(e *Entry) bool {
	for _, sel := range s.selectors {
		if sel.Match(e) {
			return true
		}
	}
	return false
}

func (s *orSelector) TraverseDescendants(e *Entry) bool {
	for _, sel := range s.selectors {
		if sel.TraverseDescendants(e) {
			return true
		}
	}
	return false
}

type notSelector struct {
	selector Selector
}

// Not inverts a selector's match result.
func Not(selector Selector) Selector {
	return &notSelector{selector: selector}
}

func (s *notSelector) Match(e *Entry) bool             { return !s.selector.Match(e) }
func (s *notSelector) TraverseDescendants(*Entry) bool { return true }

type funcSelector struct {
	matchFn    func(*Entry) bool
	traverseFn func(*Entry) bool
}

// FuncSelector creates a selector from a custom function.
func FuncSelector(fn func(*Entry) bool) Selector {
	return &funcSelector{
		matchFn:    fn,
		traverseFn: func(*Entry) bool { return true },
	}
}

// FuncSelectorFull creates a selector with custom match and traverse functions.
func FuncSelectorFull(matchFn, traverseFn func(*Entry) bool) Selector {
	return &funcSelector{
		matchFn:    matchFn,
		traverseFn: traverseFn,
	}
}

func (s *funcSelector) Match(e *Entry) bool               { return s.matchFn(e) }
func (s *funcSelector) TraverseDescendants(e *Entry) bool { return s.traverseFn(e) }
