// Package util contains helper functions used around the code.
package util

import "strings"

// In returns true if s is found in ss, false otherwise
func In(ss []string, s string) bool {
	for _, v := range ss {
		if s == v {
			return true
		}
	}

	return false
}

// Normalize returns the canonical form of an address. Addresses are compared, queried and cached in lowercase.
func Normalize(addr string) string {
	return strings.ToLower(addr)
}
