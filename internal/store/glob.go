package store

// matchGlob reports whether key matches pattern, a byte-oriented glob where
// '*' matches any run of bytes (including none) and '?' matches exactly one
// byte; every other byte is a literal. This deliberately mirrors the
// original C++ source's `hashtable.cpp` (which translated the same two
// wildcards into a std::regex) rather than extending the grammar — spec.md
// §9 flags the grammar choice as an open question and directs that any
// extension be documented; this implementation does not extend it.
//
// Operating on []byte instead of string keeps embedded-NUL keys intact
// (spec.md §3); path/filepath.Match operates on strings with OS-specific
// separator rules that don't apply to opaque cache keys, so it isn't a fit
// here (see SPEC_FULL.md's DOMAIN STACK section).
func matchGlob(pattern, key []byte) bool {
	return globMatch(pattern, key)
}

// globMatch is a standard backtracking glob matcher over byte slices.
func globMatch(pattern, s []byte) bool {
	var pIdx, sIdx int
	var starIdx = -1
	var matchIdx int

	for sIdx < len(s) {
		if pIdx < len(pattern) && (pattern[pIdx] == '?' || pattern[pIdx] == s[sIdx]) {
			pIdx++
			sIdx++
			continue
		}
		if pIdx < len(pattern) && pattern[pIdx] == '*' {
			starIdx = pIdx
			matchIdx = sIdx
			pIdx++
			continue
		}
		if starIdx != -1 {
			pIdx = starIdx + 1
			matchIdx++
			sIdx = matchIdx
			continue
		}
		return false
	}

	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}

	return pIdx == len(pattern)
}
