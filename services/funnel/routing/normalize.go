// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var spaceBeforePunct = regexp.MustCompile(`\s+([.,!?;:…])`)

// Normalize prepares raw message text for matching.
//
// Description:
//
//	Applies NFKC so full-width and stylised letters match their plain
//	forms, lowercases, trims, collapses whitespace runs to a single space,
//	and drops whitespace before terminal punctuation ("hi ?" → "hi?").
//	Never fails; empty input yields "".
func Normalize(raw string) string {
	s := norm.NFKC.String(raw)
	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), " ")
	return spaceBeforePunct.ReplaceAllString(s, "$1")
}

// squeeze collapses runs of a repeated letter to one letter so stretched
// spellings ("heyyy", "pleasee") compare equal to their plain form.
func squeeze(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for i, r := range s {
		if i > 0 && r == prev && isLetter(r) {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || r > 0x7f
}
