package scan

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func write(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTokenExactMatch(t *testing.T) {
	t.Parallel()
	const tok = "123456789:AAABBBCCCDDDEEEFFFGGGHHHIIIJJJKKKLLL"
	root := t.TempDir()
	write(t, root, "config.env", tok)

	got, ok := New(".py").Token(root)
	if !ok || got != tok {
		t.Fatalf("Token = %q, %v; want %q", got, ok, tok)
	}
}

func TestMatchToken(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{`TOKEN = "1234567890:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi"`, "1234567890:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi"},
		{"bot_token=12345678:abc_def-ghijklmnopqrstuvwxyz0123456", "12345678:abc_def-ghijklmnopqrstuvwxyz0123456"},
		{"1234567:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi", ""},
		{"123456789:short", ""},
		{"123456789:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnop", ""},
	}
	for _, tc := range cases {
		got, _ := MatchToken(tc.in)
		if got != tc.want {
			t.Errorf("MatchToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTokenFirstFileWinsAndIgnoresOthers(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, "a.py", `T = "111111111:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"`)
	write(t, root, "b.py", `T = "222222222:BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"`)
	write(t, root, "notes.md", `333333333:CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC`)

	got, _ := New(".py").Token(root)
	if got != "111111111:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA" {
		t.Fatalf("Token = %q", got)
	}
}

func TestTokenSkipsNonCandidates(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, "notes.md", `333333333:CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC`)
	if got, ok := New(".py").Token(root); ok {
		t.Fatalf("Token = %q, want none", got)
	}
}

func TestRecipients(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, "users.txt", "id=987654321\nnote 42\n-1001234567890\n")

	got := New(".py").Recipients(root)
	want := []string{"-1001234567890", "987654321"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Recipients = %v, want %v", got, want)
	}
}

func TestRecipientsDedupAcrossFiles(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, "users.txt", "11111\n22222\n")
	write(t, root, "chats.txt", "22222\n33333\n")
	write(t, root, "other.txt", "44444\n")

	got := New(".py").Recipients(root)
	want := []string{"11111", "22222", "33333"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Recipients = %v, want %v", got, want)
	}
}

func TestRecipientsIgnoreNestedLists(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, "users.txt", "11111\n")
	write(t, root, "data/chats.txt", "22222\n")
	write(t, root, "venv/lib/site-packages/somepkg/ids.txt", "99999\n")
	write(t, root, ".git/ids.txt", "55555\n")

	got := New(".py").Recipients(root)
	want := []string{"11111"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Recipients = %v, want %v", got, want)
	}
}

func TestScanMissingRoot(t *testing.T) {
	t.Parallel()
	c := New("").Scan(filepath.Join(t.TempDir(), "missing"))
	if c.HasToken() || len(c.Recipients) != 0 {
		t.Fatalf("Scan = %+v", c)
	}
}
