package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"wadispatch/internal/transport"
	logx "wadispatch/pkg/logx"
)

// Discover lists session folders under dir that hold a readable regular
// credential file. Folders without one are skipped, not reported as errors.
func Discover(dir, credFile string) ([]transport.SessionSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir %s: %w", dir, err)
	}
	out := make([]transport.SessionSpec, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		folder := filepath.Join(dir, e.Name())
		cred := filepath.Join(folder, credFile)
		if !readableFile(cred) {
			continue
		}
		out = append(out, transport.SessionSpec{Name: e.Name(), Dir: folder, CredentialPath: cred})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func readableFile(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// LoaderConfig controls LoadAll.
type LoaderConfig struct {
	Dir            string
	CredentialFile string
	// ConnectTimeout bounds each Open call. 0 means no bound.
	ConnectTimeout time.Duration
}

// LoadAll opens one client per discovered session folder and registers it.
// A session whose client fails to open is logged and left out; it never
// aborts the remaining folders. Returns the number of sessions registered.
func LoadAll(ctx context.Context, cfg LoaderConfig, opener transport.Opener, reg *Registry, log logx.Logger) (int, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	specs, err := Discover(cfg.Dir, cfg.CredentialFile)
	if err != nil {
		return 0, err
	}
	log.Debug("session folders discovered", logx.String("dir", cfg.Dir), logx.Int("count", len(specs)))

	loaded := 0
	for _, spec := range specs {
		if ctx.Err() != nil {
			return loaded, ctx.Err()
		}
		if err := openOne(ctx, cfg.ConnectTimeout, opener, reg, spec); err != nil {
			log.Warn("session excluded: open failed", logx.String("session", spec.Name), logx.Err(err))
			continue
		}
		loaded++
	}
	log.Info("sessions loaded", logx.Int("loaded", loaded), logx.Int("discovered", len(specs)))
	return loaded, nil
}

func openOne(ctx context.Context, timeout time.Duration, opener transport.Opener, reg *Registry, spec transport.SessionSpec) error {
	octx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The close callback may fire before Open returns; hold it until the
	// handle is registered so RemoveIf can compare against it.
	var (
		handle  = make(chan transport.Client, 1)
		onClose = func(reason string) {
			go func() {
				c, ok := <-handle
				if !ok {
					return
				}
				handle <- c
				reg.RemoveIf(spec.Name, c, reason)
			}()
		}
	)
	c, err := opener.Open(octx, spec, onClose)
	if err != nil {
		close(handle)
		return err
	}
	reg.Register(spec.Name, c)
	handle <- c
	return nil
}
