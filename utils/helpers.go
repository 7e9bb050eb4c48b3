package utils

import (
	"fmt"
	"math/rand"
	"strings"
	"unicode"
)

// FilterSlice returns a new slice with elements that satisfy a predicate
func FilterSlice[T any](slice []T, predicate func(T) bool) []T {
	result := make([]T, 0)
	for _, item := range slice {
		if predicate(item) {
			result = append(result, item)
		}
	}
	return result
}

// Sample draws k distinct elements uniformly at random from population.
// The population is left untouched.
func Sample[T any](population []T, k int) ([]T, error) {
	n := len(population)
	if k < 0 || n < k {
		return nil, fmt.Errorf("population is not enough for sampling (n = %d, k = %d)", n, k)
	}
	perm := rand.Perm(n)[:k]
	out := make([]T, k)
	for i, idx := range perm {
		out[i] = population[idx]
	}
	return out, nil
}

// SplitDir breaks a slash-delimited directory path into its non-empty
// segments. "/", "" and "a/" style inputs are all accepted.
func SplitDir(dir string) []string {
	parts := strings.Split(dir, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// CanonicalDir renders a directory path in the "/a/b" form, "/" for root.
func CanonicalDir(dir string) string {
	return "/" + strings.Join(SplitDir(dir), "/")
}

// JoinPath joins a directory path and an entry name into a canonical path.
func JoinPath(dir, name string) string {
	d := CanonicalDir(dir)
	if d == "/" {
		return d + name
	}
	return d + "/" + name
}

// ValidateName checks that name can be stored in the namespace and written
// to the operation log as a single token.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid name %q: reserved name", name)
	}

	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid name %q: contains path separator", name)
	}

	for _, r := range name {
		if r < 32 || unicode.IsSpace(r) {
			return fmt.Errorf("invalid name %q: contains whitespace or control character", name)
		}
	}
	return nil
}

// ValidateDir checks every segment of a directory path.
func ValidateDir(dir string) error {
	for _, seg := range SplitDir(dir) {
		if err := ValidateName(seg); err != nil {
			return fmt.Errorf("invalid directory %q: %w", dir, err)
		}
	}
	return nil
}
