package storekit

import (
	"fmt"
	"strings"
)

// NormalizeRoot turns a configured root into the canonical "/a/b/" form.
// An empty root becomes "/".
func NormalizeRoot(root string) (string, error) {
	p, err := cleanSegments(root)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "/", nil
	}
	return "/" + p + "/", nil
}

// NormalizePath cleans a caller supplied path into its root relative form.
// Repeated slashes and "." segments are collapsed and a trailing "/" is
// kept as the directory marker. Any ".." segment is rejected, so a path can
// never escape the root. The empty path and "/" both name the root
// directory and normalize to "/".
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, p)
	}
	dir := strings.HasSuffix(p, "/") || p == "" || strings.HasSuffix(p, "/.") || p == "."
	clean, err := cleanSegments(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "/", nil
	}
	if dir {
		return clean + "/", nil
	}
	return clean, nil
}

func cleanSegments(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		switch s {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, p)
		}
		out = append(out, s)
	}
	return strings.Join(out, "/"), nil
}

// IsDirPath reports whether p names a directory.
func IsDirPath(p string) bool {
	return strings.HasSuffix(p, "/")
}

// JoinRoot joins a normalized root and a normalized path into the absolute
// backend path, without a leading slash for the root directory case.
func JoinRoot(root, p string) string {
	if p == "/" {
		p = ""
	}
	return strings.TrimPrefix(root+p, "/")
}

// RelativePath strips root from an absolute backend path.
func RelativePath(root, abs string) string {
	r := strings.TrimPrefix(root, "/")
	rel := strings.TrimPrefix(strings.TrimPrefix(abs, "/"), r)
	if rel == "" {
		return "/"
	}
	return rel
}

// ParentDir returns the parent directory of p, "/" at the top.
func ParentDir(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "/"
	}
	return p[:i+1]
}

func baseName(p string) string {
	if p == "/" {
		return "/"
	}
	trimmed := strings.TrimSuffix(p, "/")
	name := trimmed[strings.LastIndex(trimmed, "/")+1:]
	if IsDirPath(p) {
		return name + "/"
	}
	return name
}
