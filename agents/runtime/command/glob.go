package command

import "strings"

// matchGlob reports whether name matches pattern, where '*' matches zero or
// more characters, '?' matches exactly one, and every other character must
// match literally. Implemented as a dynamic-programming table rather than
// naive backtracking recursion so that pathological patterns (many
// adjacent '*' runs against a long name) cost O(len(pattern)*len(name))
// instead of blowing up exponentially — the same concern that rules out a
// real regex engine here.
func matchGlob(pattern, name string) bool {
	dp := make([][]bool, len(pattern)+1)
	for i := range dp {
		dp[i] = make([]bool, len(name)+1)
	}
	dp[0][0] = true
	for i := 1; i <= len(pattern); i++ {
		if pattern[i-1] == '*' {
			dp[i][0] = dp[i-1][0]
		}
	}
	for i := 1; i <= len(pattern); i++ {
		for j := 1; j <= len(name); j++ {
			switch pattern[i-1] {
			case '*':
				dp[i][j] = dp[i-1][j] || dp[i][j-1]
			case '?':
				dp[i][j] = dp[i-1][j-1]
			default:
				dp[i][j] = dp[i-1][j-1] && pattern[i-1] == name[j-1]
			}
		}
	}
	return dp[len(pattern)][len(name)]
}

// containsGlob reports whether pattern matches anywhere within name, used
// by grep to emulate substring search without a regex engine: it is
// equivalent to wrapping pattern in leading/trailing '*' if not already
// present.
func containsGlob(pattern, name string) bool {
	wrapped := pattern
	if !strings.HasPrefix(wrapped, "*") {
		wrapped = "*" + wrapped
	}
	if !strings.HasSuffix(wrapped, "*") {
		wrapped = wrapped + "*"
	}
	return matchGlob(wrapped, name)
}
