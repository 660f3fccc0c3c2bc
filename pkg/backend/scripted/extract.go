package scripted

import "strings"

func isIdentChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

func isIdentStart(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}

// extractFunction finds the declaration of the named function in a
// script source and returns its full text, or "" if no declaration
// matches. The match rule: the keyword "function" must be delimited by
// non-identifier characters on both sides, and the declared name must
// be followed by a non-identifier character. The declaration extends
// through the matching block terminator.
func extractFunction(src, name string) string {
	pos := 0
	for {
		j := strings.Index(src[pos:], "function")
		if j < 0 {
			return ""
		}
		start := pos + j
		after := start + len("function")
		// "function" inside a longer identifier, e.g. myfunction.
		if start > 0 && isIdentChar(src[start-1]) {
			pos = start + 1
			continue
		}
		// e.g. functionfoo.
		if after >= len(src) || isIdentChar(src[after]) {
			pos = start + 1
			continue
		}
		// skip to the declared name
		k := after
		for k < len(src) && !isIdentStart(src[k]) {
			k++
		}
		if k >= len(src) {
			return ""
		}
		if !strings.HasPrefix(src[k:], name) {
			pos = k
			continue
		}
		nameEnd := k + len(name)
		if nameEnd < len(src) && isIdentChar(src[nameEnd]) {
			// a longer name that merely starts with what we look for
			pos = k
			continue
		}
		end := findBlockEnd(src, nameEnd)
		if end < 0 {
			return ""
		}
		return src[start:end]
	}
}

// findBlockEnd scans forward from the function name, balancing block
// openers against "end", and returns the index one past the terminator
// of the declaration. The declaration's own "function" keyword counts
// as the first opener.
func findBlockEnd(src string, from int) int {
	depth := 1
	i := from
	for i < len(src) {
		if !isIdentStart(src[i]) {
			i++
			continue
		}
		j := i
		for j < len(src) && isIdentChar(src[j]) {
			j++
		}
		switch src[i:j] {
		case "function", "if", "do":
			depth++
		case "end":
			depth--
			if depth == 0 {
				return j
			}
		}
		i = j
	}
	return -1
}
