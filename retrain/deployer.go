package retrain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"voyage/config"
)

// Deployer publishes trained artifacts where the API server loads them.
type Deployer struct {
	artifacts config.ArtifactsConfig
	command   string
	logger    *zap.Logger
	rename    func(oldpath, newpath string) error
}

func NewDeployer(artifacts config.ArtifactsConfig, command string, logger *zap.Logger) *Deployer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deployer{
		artifacts: artifacts,
		command:   strings.TrimSpace(command),
		logger:    logger,
		rename:    os.Rename,
	}
}

type pendingFile struct {
	tmp, final, backup string
}

// Publish writes every artifact in res. All files are staged next to their
// destination and the current files are hard-linked to backups before any
// rename. If a rename fails, the files already replaced are restored from the
// backups.
func (d *Deployer) Publish(res *Result) ([]string, error) {
	outputs := []struct {
		path  string
		value interface{}
	}{
		{d.artifacts.PriceModelPath(), res.PriceModel},
		{d.artifacts.PriceMetadataPath(), res.PriceMetadata},
		{d.artifacts.RecommenderPath(), res.Recommender},
	}
	if res.Gender != nil {
		outputs = append(outputs, struct {
			path  string
			value interface{}
		}{d.artifacts.GenderModelPath(), res.Gender})
	}

	staged := make([]pendingFile, 0, len(outputs))
	cleanup := func() {
		for _, p := range staged {
			os.Remove(p.tmp)
		}
	}
	for _, out := range outputs {
		tmp, err := stageJSON(out.path, out.value)
		if err != nil {
			cleanup()
			return nil, err
		}
		staged = append(staged, pendingFile{tmp: tmp, final: out.path})
	}

	for i := range staged {
		backup, err := backupFile(staged[i].final)
		if err != nil {
			removeBackups(staged)
			cleanup()
			return nil, fmt.Errorf("back up %s: %w", staged[i].final, err)
		}
		staged[i].backup = backup
	}

	written := make([]string, 0, len(staged))
	for i, p := range staged {
		if err := d.rename(p.tmp, p.final); err != nil {
			d.rollback(staged[:i])
			removeBackups(staged)
			staged = staged[i:]
			cleanup()
			return nil, fmt.Errorf("publish %s: %w", p.final, err)
		}
		written = append(written, p.final)
	}
	removeBackups(staged)
	d.logger.Info("artifacts published", zap.Strings("files", written))
	return written, nil
}

// rollback puts back what was at each destination before publishing began.
func (d *Deployer) rollback(done []pendingFile) {
	for _, p := range done {
		var err error
		if p.backup == "" {
			err = os.Remove(p.final)
		} else {
			err = os.Rename(p.backup, p.final)
		}
		if err != nil {
			d.logger.Error("failed to restore artifact", zap.String("file", p.final), zap.Error(err))
		}
	}
}

// backupFile hard-links path to a sibling name. It returns "" when path does
// not exist yet.
func backupFile(path string) (string, error) {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return "", nil
	}
	backup := path + ".bak"
	os.Remove(backup)
	if err := os.Link(path, backup); err != nil {
		return "", err
	}
	return backup, nil
}

func removeBackups(files []pendingFile) {
	for _, p := range files {
		if p.backup != "" {
			os.Remove(p.backup)
		}
	}
}

func stageJSON(path string, v interface{}) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Restart runs the configured deploy command through the shell. Without a
// command the new artifacts are picked up on the next server start.
func (d *Deployer) Restart(ctx context.Context) error {
	if d.command == "" {
		d.logger.Info("no deploy command configured, artifacts load on next restart")
		return nil
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", d.command)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	d.logger.Info("deploy command finished",
		zap.String("command", d.command),
		zap.String("output", tail(out.String(), 2048)),
		zap.Error(err))
	if err != nil {
		return fmt.Errorf("deploy command: %w", err)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
