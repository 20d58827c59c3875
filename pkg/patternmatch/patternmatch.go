// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package patternmatch translates the one-wildcard id patterns used
// throughout the core ("*" meaning any, possibly empty, segment
// sequence) into anchored regular expressions. Shared by the Operation
// Manager's pattern queries and the Node Registry's subscription index so
// both match ids identically.
package patternmatch

import "regexp"

// HasWildcard reports whether pattern contains the `*` wildcard.
func HasWildcard(pattern string) bool {
	for _, r := range pattern {
		if r == '*' {
			return true
		}
	}
	return false
}

// Compile translates pattern into a fully anchored regexp: `*` becomes
// `.*`, every other regex metacharacter is escaped, and matching is
// case-sensitive. `?` is not treated as a wildcard; it is escaped like any
// other literal character.
func Compile(pattern string) (*regexp.Regexp, error) {
	var b []byte
	b = append(b, '^')
	for _, r := range pattern {
		if r == '*' {
			b = append(b, '.', '*')
			continue
		}
		if isRegexMeta(r) {
			b = append(b, '\\')
		}
		b = append(b, string(r)...)
	}
	b = append(b, '$')
	return regexp.Compile(string(b))
}

func isRegexMeta(r rune) bool {
	switch r {
	case '.', '+', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\', '?':
		return true
	default:
		return false
	}
}
