package router

import "strings"

// nextToken reads one shell-like token from the head of s and returns it with
// the unread remainder. Quotes group words, a backslash escapes one byte.
func nextToken(s string) (tok, rest string, ok bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	if s == "" {
		return "", "", false
	}
	var (
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	i := 0
	for ; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		if ch == '"' || ch == '\'' {
			inQ = true
			qChar = ch
			continue
		}
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			break
		}
		buf.WriteByte(ch)
	}
	return buf.String(), s[i:], true
}

// tokenize splits command text into tokens while supporting quotes:
//
//	/logs "my bot" --bytes=500
func tokenize(s string) []string {
	var out []string
	for {
		tok, rest, ok := nextToken(s)
		if !ok {
			return out
		}
		out = append(out, tok)
		s = rest
	}
}

// parseFlags splits args into positionals and --k=v / --k v flags. A flag
// followed by another flag or nothing is recorded as "true".
func parseFlags(args []string) (pos []string, flags map[string]string) {
	flags = map[string]string{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			pos = append(pos, a)
			continue
		}
		key := a[2:]
		if eq := strings.IndexByte(key, '='); eq >= 0 {
			flags[key[:eq]] = key[eq+1:]
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[key] = args[i+1]
			i++
			continue
		}
		flags[key] = "true"
	}
	return pos, flags
}

// cutFlags consumes leading --k v / --k=v flags from raw and returns the rest
// untouched, so free text after the flags keeps its line breaks. Only keys in
// known take a value; anything else ends the flag run.
func cutFlags(raw string, known map[string]bool) (flags map[string]string, rest string) {
	flags = map[string]string{}
	rest = strings.TrimLeft(raw, " \t\r\n")
	for {
		tok, after, ok := nextToken(rest)
		if !ok || !strings.HasPrefix(tok, "--") {
			return flags, rest
		}
		key, val, inline := strings.Cut(tok[2:], "=")
		if !known[key] {
			return flags, rest
		}
		if !inline {
			v, after2, ok := nextToken(after)
			if !ok {
				return flags, ""
			}
			val, after = v, after2
		}
		flags[key] = val
		rest = strings.TrimLeft(after, " \t\r\n")
	}
}
