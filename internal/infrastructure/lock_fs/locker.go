package lock_fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/davarch/ci-promoter/internal/domain"
)

// Locker holds one advisory lock file per environment so promotions from
// separate processes on this host exclude each other.
type Locker struct {
	dir string
}

func New(dir string) *Locker { return &Locker{dir: dir} }

func (l *Locker) path(env string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r == ' ' {
			return '_'
		}
		return r
	}, env)
	return filepath.Join(l.dir, safe+".lock")
}

func (l *Locker) TryLock(_ context.Context, env string) (func(), error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, err
	}
	p := l.path(env)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			holder, _ := os.ReadFile(p)
			return nil, &domain.ConflictError{
				Resource: "environment " + env + " promotion lock",
				Err:      fmt.Errorf("held by pid %s", strings.TrimSpace(string(holder))),
			}
		}
		return nil, fmt.Errorf("lock %s: %w", p, err)
	}

	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = f.Truncate(0)
			_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
			_ = f.Close()
		})
	}, nil
}
