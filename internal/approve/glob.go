package approve

// Match reports whether subject matches a scope pattern.
//
//	*   any run of characters except newline (and '/' when paths is set)
//	**  any run of characters including '/' and newline
//	?   one character except newline (and '/' when paths is set)
//
// Every other character matches itself. Matching is anchored at both ends.
func Match(pattern, subject string, paths bool) bool {
	p, s := []rune(pattern), []rune(subject)
	// memo[i][j] caches whether p[i:] matches s[j:].
	memo := make(map[[2]int]bool)
	var match func(i, j int) bool
	match = func(i, j int) bool {
		key := [2]int{i, j}
		if v, ok := memo[key]; ok {
			return v
		}
		var ok bool
		switch {
		case i == len(p):
			ok = j == len(s)
		case p[i] == '*':
			double := i+1 < len(p) && p[i+1] == '*'
			next := i + 1
			if double {
				next = i + 2
			}
			for k := j; ; k++ {
				if match(next, k) {
					ok = true
					break
				}
				if k == len(s) || (!double && stops(s[k], paths)) {
					break
				}
			}
		case j == len(s):
			ok = false
		case p[i] == '?':
			ok = !stops(s[j], paths) && match(i+1, j+1)
		default:
			ok = p[i] == s[j] && match(i+1, j+1)
		}
		memo[key] = ok
		return ok
	}
	return match(0, 0)
}

// stops reports whether a single wildcard cannot consume r.
func stops(r rune, paths bool) bool {
	return r == '\n' || (paths && r == '/')
}
