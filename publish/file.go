// Package publish hands the ranked node list to downstream consumers:
// plain files for local clients and a retained MQTT message for remote
// ones.
package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"go.ntppool.org/common/logger"

	"go.nodeking.dev/nodeking/ledger"
)

// Publisher receives the survivors of a pass, king first. king is empty
// when no king was chosen.
type Publisher interface {
	Publish(ctx context.Context, survivors []string, king string) error
}

// File writes the survivors one per line to NodesPath and the king
// descriptor to KingPath. Either path may be empty to skip it. Both
// files are replaced atomically.
type File struct {
	NodesPath string
	KingPath  string
}

func (f *File) Publish(ctx context.Context, survivors []string, king string) error {
	log := logger.FromContext(ctx)

	if f.NodesPath != "" {
		body := strings.Join(survivors, "\n")
		if len(survivors) > 0 {
			body += "\n"
		}
		if err := writeFile(f.NodesPath, body); err != nil {
			return err
		}
		log.DebugContext(ctx, "published nodes file", "path", f.NodesPath, "count", len(survivors))
	}

	if f.KingPath != "" {
		if king == "" {
			if err := os.Remove(f.KingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		}
		if err := writeFile(f.KingPath, king+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return ledger.ReplaceFile(path, []byte(body))
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, survivors []string, king string) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, survivors, king); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
