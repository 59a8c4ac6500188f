package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "hostbot/pkg/logx"
)

// Catalog persists deployment metadata next to the tree. Optional.
type Catalog interface {
	UpsertDeployment(ctx context.Context, d Deployment) error
	DeleteDeployment(ctx context.Context, k Key) error
	GetDeployment(ctx context.Context, k Key) (Deployment, bool, error)
}

type Options struct {
	Root      string
	ScriptExt string

	// Interpreter runs "-m pip install -r requirements.txt" when
	// InstallRequirements is set.
	Interpreter         string
	InstallRequirements bool
	InstallTimeout      time.Duration

	// MaxUploadBytes caps a single artifact; 0 means unlimited.
	MaxUploadBytes int64
}

// Store owns the on-disk tree {root}/{tenant}/{app}/ and the sidecar log
// {root}/{tenant}/{app}.log.
//
// Store does not serialize callers: the process supervisor holds the per-key
// lock around every mutation (see procsup.Supervisor.Exclusive).
type Store struct {
	opts    Options
	catalog Catalog
	log     logx.Logger
}

func NewStore(opts Options, catalog Catalog, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "./deployments"
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	opts.Root = root
	if opts.ScriptExt == "" {
		opts.ScriptExt = ".py"
	}
	if opts.Interpreter == "" {
		opts.Interpreter = "python3"
	}
	if opts.InstallTimeout <= 0 {
		opts.InstallTimeout = 5 * time.Minute
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{opts: opts, catalog: catalog, log: log}, nil
}

func (s *Store) RootDir() string   { return s.opts.Root }
func (s *Store) ScriptExt() string { return s.opts.ScriptExt }

// Root returns the deployment tree for k.
func (s *Store) Root(k Key) string {
	return filepath.Join(s.opts.Root, k.Tenant, k.App)
}

// logDir holds a tenant's sidecar logs. Sanitized app names never start
// with a dot, so no app tree can land on it.
const logDir = ".logs"

// LogPath returns the sidecar log file for k, kept outside every app tree.
func (s *Store) LogPath(k Key) string {
	return filepath.Join(s.opts.Root, k.Tenant, logDir, k.App+".log")
}

func (s *Store) Exists(k Key) bool {
	if !k.Valid() {
		return false
	}
	fi, err := os.Stat(s.Root(k))
	return err == nil && fi.IsDir()
}

// KeyFor derives the deployment key an artifact named filename will occupy.
func (s *Store) KeyFor(tenant, filename string) (Key, error) {
	app, _, err := parseArtifactName(filename, s.opts.ScriptExt)
	if err != nil {
		return Key{}, err
	}
	k := Key{Tenant: SanitizeName(tenant), App: app}
	if !k.Valid() {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidName, tenant)
	}
	return k, nil
}

type artifactKind int

const (
	artifactScript artifactKind = iota
	artifactZip
)

func parseArtifactName(filename, scriptExt string) (string, artifactKind, error) {
	base := SanitizeName(filepath.Base(strings.ReplaceAll(filename, `\`, "/")))
	ext := strings.ToLower(filepath.Ext(base))
	var kind artifactKind
	switch ext {
	case ".zip":
		kind = artifactZip
	case strings.ToLower(scriptExt):
		kind = artifactScript
	default:
		return "", 0, fmt.Errorf("%w: %q (want .zip or %s)", ErrBadArtifact, filename, scriptExt)
	}
	app := SanitizeName(strings.TrimSuffix(base, filepath.Ext(base)))
	if app == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}
	return app, kind, nil
}

// Deploy replaces the deployment named after filename with the artifact read
// from r. The upload is staged first so a failed transfer leaves the previous
// version in place; after that the old tree is removed wholesale and rebuilt.
func (s *Store) Deploy(ctx context.Context, tenant, filename string, r io.Reader) (Deployment, error) {
	k, err := s.KeyFor(tenant, filename)
	if err != nil {
		return Deployment{}, err
	}
	_, kind, _ := parseArtifactName(filename, s.opts.ScriptExt)
	base := SanitizeName(filepath.Base(strings.ReplaceAll(filename, `\`, "/")))

	tenantDir := filepath.Join(s.opts.Root, k.Tenant)
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return Deployment{}, err
	}
	staged, err := s.stage(tenantDir, r)
	if err != nil {
		return Deployment{}, err
	}
	defer os.Remove(staged)

	root := s.Root(k)
	if err := os.RemoveAll(root); err != nil {
		return Deployment{}, fmt.Errorf("clean %s: %w", k, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Deployment{}, err
	}

	switch kind {
	case artifactZip:
		n, err := extractZip(staged, root)
		if err != nil {
			return Deployment{}, fmt.Errorf("extract %s: %w", base, err)
		}
		s.log.Info("archive extracted", logx.String("key", k.String()), logx.Int("files", n))
	default:
		if err := os.Rename(staged, filepath.Join(root, base)); err != nil {
			return Deployment{}, err
		}
	}

	if s.opts.InstallRequirements {
		if err := s.installRequirements(ctx, k); err != nil {
			// the deployment itself is usable; missing packages surface in its log
			s.log.Warn("requirements install failed", logx.String("key", k.String()), logx.Err(err))
		}
	}

	d := Deployment{Key: k, Root: root, CreatedAt: time.Now()}
	if s.catalog != nil {
		if err := s.catalog.UpsertDeployment(ctx, d); err != nil {
			s.log.Warn("catalog upsert failed", logx.String("key", k.String()), logx.Err(err))
		}
	}
	s.log.Info("deployed", logx.String("key", k.String()), logx.String("artifact", base))
	return d, nil
}

func (s *Store) stage(dir string, r io.Reader) (string, error) {
	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", err
	}
	src := r
	if s.opts.MaxUploadBytes > 0 {
		src = io.LimitReader(r, s.opts.MaxUploadBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.opts.MaxUploadBytes > 0 && n > s.opts.MaxUploadBytes {
		err = fmt.Errorf("%w: larger than %d bytes", ErrBadArtifact, s.opts.MaxUploadBytes)
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Get returns the deployment for k.
func (s *Store) Get(ctx context.Context, k Key) (Deployment, error) {
	if !k.Valid() {
		return Deployment{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	fi, err := os.Stat(s.Root(k))
	if err != nil || !fi.IsDir() {
		return Deployment{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return s.describe(ctx, k, fi), nil
}

func (s *Store) describe(ctx context.Context, k Key, fi os.FileInfo) Deployment {
	d := Deployment{Key: k, Root: s.Root(k), CreatedAt: fi.ModTime()}
	if s.catalog != nil {
		if c, ok, err := s.catalog.GetDeployment(ctx, k); err == nil && ok {
			d.CreatedAt = c.CreatedAt
		}
	}
	return d
}

// List returns the tenant's deployments sorted by app name.
func (s *Store) List(ctx context.Context, tenant string) ([]Deployment, error) {
	tenant = SanitizeName(tenant)
	if tenant == "" {
		return nil, fmt.Errorf("%w: empty tenant", ErrInvalidName)
	}
	entries, err := os.ReadDir(filepath.Join(s.opts.Root, tenant))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Deployment, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, s.describe(ctx, Key{Tenant: tenant, App: e.Name()}, fi))
	}
	return out, nil
}

// Tenants lists tenant directories under the root.
func (s *Store) Tenants() ([]string, error) {
	entries, err := os.ReadDir(s.opts.Root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Remove deletes the deployment tree and its sidecar log. Callers must make
// sure no process still runs out of the tree.
func (s *Store) Remove(ctx context.Context, k Key) error {
	if !k.Valid() {
		return fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	root := s.Root(k)
	_, statErr := os.Stat(root)
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove %s: %w", k, err)
	}
	if err := os.Remove(s.LogPath(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("remove log failed", logx.String("key", k.String()), logx.Err(err))
	}
	if s.catalog != nil {
		if err := s.catalog.DeleteDeployment(ctx, k); err != nil {
			s.log.Warn("catalog delete failed", logx.String("key", k.String()), logx.Err(err))
		}
	}
	if errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	s.log.Info("deployment removed", logx.String("key", k.String()))
	return nil
}
