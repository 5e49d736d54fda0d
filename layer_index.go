package storekit

import (
	"context"
	"sort"
	"strings"
)

// ImmutableIndexLayer serves list and scan from a fixed set of file paths.
// It lets backends that cannot enumerate their content, such as plain HTTP
// servers, be listed when the caller already knows what they hold.
type ImmutableIndexLayer struct {
	paths map[string]struct{}
}

// NewImmutableIndexLayer indexes the given root relative file paths.
func NewImmutableIndexLayer(paths ...string) *ImmutableIndexLayer {
	l := &ImmutableIndexLayer{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		l.Insert(p)
	}
	return l
}

// Insert adds a path to the index. Paths that do not normalize are
// ignored.
func (l *ImmutableIndexLayer) Insert(p string) {
	np, err := NormalizePath(p)
	if err != nil || np == "/" {
		return
	}
	l.paths[np] = struct{}{}
}

// Layer implements Layer. The index is copied, so inserts made after the
// layer is applied do not affect the built accessor.
func (l *ImmutableIndexLayer) Layer(inner Accessor) Accessor {
	info := inner.Info()
	info.Capability.List = true
	info.Capability.Scan = true
	idx := make([]string, 0, len(l.paths))
	for p := range l.paths {
		idx = append(idx, p)
	}
	sort.Strings(idx)
	return &indexAccessor{Accessor: inner, info: info, index: idx}
}

type indexAccessor struct {
	Accessor
	info  AccessorInfo
	index []string
}

func (a *indexAccessor) Info() AccessorInfo { return a.info }

func (a *indexAccessor) List(_ context.Context, path string, opts ListOptions) (Pager, error) {
	prefix := path
	if prefix == "/" {
		prefix = ""
	}
	seen := make(map[string]bool)
	var entries []Entry
	for _, p := range a.index {
		if !strings.HasPrefix(p, prefix) || p == prefix {
			continue
		}
		rest := p[len(prefix):]
		if opts.Recursive {
			// Emit every intermediate directory once.
			parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
			for i := 1; i < len(parts); i++ {
				dir := prefix + strings.Join(parts[:i], "/") + "/"
				if !seen[dir] {
					seen[dir] = true
					entries = append(entries, Entry{Path: dir, Metadata: DirMetadata()})
				}
			}
			if !seen[p] {
				seen[p] = true
				entries = append(entries, Entry{Path: p, Metadata: modeOf(p)})
			}
			continue
		}
		child := p
		if i := strings.Index(rest, "/"); i >= 0 {
			child = prefix + rest[:i+1]
		}
		if !seen[child] {
			seen[child] = true
			entries = append(entries, Entry{Path: child, Metadata: modeOf(child)})
		}
	}
	return NewSlicePager(entries, opts.Limit), nil
}

func modeOf(p string) Metadata {
	if IsDirPath(p) {
		return DirMetadata()
	}
	return Metadata{Mode: ModeFile}
}
