// Package scan pulls a bot token and recipient ids out of a deployment's
// files. It is a heuristic: anything shaped like a token or an id counts.
//
// Unreadable, oversized and binary-looking files are skipped; a scan never
// fails because of one bad file.
package scan

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"hostbot/internal/entrypoint"
)

// MaxFileBytes bounds the files a scan will open.
const MaxFileBytes = 4 << 20

// TokenFiles are checked for a token in addition to every script file.
var TokenFiles = []string{
	"config.env", ".env", "config.txt", "settings.py", "bot.py", "main.py", "config.py", "config.json",
}

// RecipientFiles hold one id per line (or anything else with ids in it).
var RecipientFiles = []string{
	"users.txt", "chats.txt", "ids.txt", "users.json", "chats.json", "subscribers.txt",
}

var (
	// digit run, colon, 35 or 36 token characters, not embedded in a longer run
	tokenRe = regexp.MustCompile(`(?:^|[^0-9])(\d{8,10}:[A-Za-z0-9_-]{35,36})(?:[^A-Za-z0-9_-]|$)`)
	idRe    = regexp.MustCompile(`-?\d{5,}`)
)

// Credentials is what a scan found in one deployment.
type Credentials struct {
	Token      string
	Recipients []string
}

func (c Credentials) HasToken() bool { return c.Token != "" }

// Scanner scans trees for one script extension.
type Scanner struct {
	Ext string
}

func New(ext string) Scanner {
	if ext == "" {
		ext = ".py"
	}
	return Scanner{Ext: ext}
}

// Scan runs Token and Recipients over root.
func (s Scanner) Scan(root string) Credentials {
	tok, _ := s.Token(root)
	return Credentials{Token: tok, Recipients: s.Recipients(root)}
}

// Token returns the first token found in walk order.
func (s Scanner) Token(root string) (string, bool) {
	var token string
	walk(root, func(path string, d fs.DirEntry) bool {
		if !s.isTokenFile(d.Name()) {
			return true
		}
		if t, ok := findToken(path); ok {
			token = t
			return false
		}
		return true
	})
	return token, token != ""
}

func (s Scanner) isTokenFile(name string) bool {
	for _, n := range TokenFiles {
		if name == n {
			return true
		}
	}
	ext := s.Ext
	if ext == "" {
		ext = ".py"
	}
	return strings.EqualFold(filepath.Ext(name), ext)
}

// MatchToken returns the first token in text.
func MatchToken(text string) (string, bool) {
	m := tokenRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func findToken(path string) (string, bool) {
	found := ""
	eachLine(path, func(line string) bool {
		if t, ok := MatchToken(line); ok {
			found = t
			return false
		}
		return true
	})
	return found, found != ""
}

// Recipients returns the sorted, deduplicated ids found in the allow-listed
// files directly under root. Nested copies (vendored packages, data dirs) do
// not count.
func (s Scanner) Recipients(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return []string{}
	}
	seen := make(map[string]struct{})
	for _, d := range entries {
		if !d.Type().IsRegular() || !isRecipientFile(d.Name()) {
			continue
		}
		if fi, err := d.Info(); err != nil || fi.Size() > MaxFileBytes {
			continue
		}
		eachLine(filepath.Join(root, d.Name()), func(line string) bool {
			for _, id := range MatchIDs(line) {
				seen[id] = struct{}{}
			}
			return true
		})
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MatchIDs returns every id-shaped number in text.
func MatchIDs(text string) []string {
	return idRe.FindAllString(text, -1)
}

func isRecipientFile(name string) bool {
	for _, n := range RecipientFiles {
		if strings.EqualFold(name, n) {
			return true
		}
	}
	return false
}

// walk visits regular files under root until fn returns false.
func walk(root string, fn func(path string, d fs.DirEntry) bool) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && entrypoint.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if fi, err := d.Info(); err != nil || fi.Size() > MaxFileBytes {
			return nil
		}
		if !fn(path, d) {
			return filepath.SkipAll
		}
		return nil
	})
}

func eachLine(path string, fn func(line string) bool) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), MaxFileBytes)
	for sc.Scan() {
		if !fn(sc.Text()) {
			return
		}
	}
}
