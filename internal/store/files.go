package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/policy-crawler/internal/record"
)

const copyBuffer = 1 << 20

// TempPath derives the name of a stage's working file from the primary store:
// "<dir>/.<stem>.<stage>.<label><ext>". Different stages and purposes never
// collide, and leftovers after a crash are easy to attribute.
func TempPath(primary, stage, label string) string {
	dir := filepath.Dir(primary)
	base := filepath.Base(primary)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.%s%s", stem, stage, label, ext))
}

// AtomicReplace swaps dst for the concatenation of srcs. The new content is
// written and synced to a sibling temporary file which is then renamed over
// dst, so a reader sees either the old content or the new, never a mix.
func AtomicReplace(dst string, srcs ...string) (err error) {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".replace-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dst, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = copyAll(tmp, srcs); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("rename %s over %s: %w", tmp.Name(), dst, err)
	}
	syncDir(dir)
	return nil
}

// MaxIdentity streams the store at path and returns the largest assigned
// identity, used to seed a record.IDGen.
func MaxIdentity(ctx context.Context, path string) (record.ID, error) {
	var best record.ID
	for cp, err := range New[Checkpoint](path).Stream(ctx) {
		if err != nil {
			return record.ID{}, err
		}
		v, ok := cp.ID.Value()
		if !ok {
			continue
		}
		if cur, set := best.Value(); !set || v > cur {
			best = record.Known(v)
		}
	}
	return best, nil
}

func copyAll(w io.Writer, srcs []string) error {
	buf := make([]byte, copyBuffer)
	for _, src := range srcs {
		in, err := os.Open(src)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("open %s: %w", src, err)
		}
		_, err = io.CopyBuffer(w, in, buf)
		_ = in.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}
	}
	return nil
}

// syncDir makes the rename durable on filesystems that need it. Failures are
// ignored: some platforms cannot fsync a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
