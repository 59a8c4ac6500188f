package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"hostbot/internal/entrypoint"
	logx "hostbot/pkg/logx"
)

var errNoRequirements = errors.New("no requirements.txt")

// findRequirements returns the first requirements.txt in walk order.
func findRequirements(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && entrypoint.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == "requirements.txt" {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", errNoRequirements
	}
	return found, nil
}

// installRequirements runs "{interpreter} -m pip install -r requirements.txt"
// in the requirements file's directory. Output goes to the deployment log.
func (s *Store) installRequirements(ctx context.Context, k Key) error {
	req, err := findRequirements(s.Root(k))
	if errors.Is(err, errNoRequirements) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.LogPath(k)), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(s.LogPath(k), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "--- pip install -r %s at %s\n", filepath.Base(req), time.Now().Format(time.RFC3339))

	ictx, cancel := context.WithTimeout(ctx, s.opts.InstallTimeout)
	defer cancel()
	cmd := exec.CommandContext(ictx, s.opts.Interpreter, "-m", "pip", "install", "-r", req)
	cmd.Dir = filepath.Dir(req)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	start := time.Now()
	s.log.Info("installing requirements", logx.String("key", k.String()), logx.String("file", req))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pip install: %w", err)
	}
	s.log.Info("requirements installed", logx.String("key", k.String()), logx.Duration("took", time.Since(start)))
	return nil
}
