package deploy

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("deployment not found")
	ErrInvalidName = errors.New("invalid deployment name")
	ErrBadArtifact = errors.New("unsupported artifact")
)

// Key identifies a deployment. It is comparable and used directly as a map key,
// so tenant and app never need to be joined into one string.
type Key struct {
	Tenant string `json:"tenant"`
	App    string `json:"app"`
}

// String renders the key for logs and messages only.
func (k Key) String() string { return k.Tenant + "/" + k.App }

func (k Key) Valid() bool {
	return k.Tenant != "" && k.App != "" && SanitizeName(k.Tenant) == k.Tenant && SanitizeName(k.App) == k.App
}

// Deployment is one uploaded application.
type Deployment struct {
	Key       Key
	Root      string
	CreatedAt time.Time
}

// SanitizeName reduces s to a safe single path component: letters, digits,
// '.', '-' and '_' survive, spaces become '_', everything else is dropped.
// Leading dots are removed so names can never be "." or "..".
func SanitizeName(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}
