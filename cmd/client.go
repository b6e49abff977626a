package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MimeLyc/course-importer/internal/apiclient"
	"github.com/MimeLyc/course-importer/internal/config"
	"github.com/MimeLyc/course-importer/internal/localstore"
	"github.com/MimeLyc/course-importer/internal/ownership"
	"github.com/MimeLyc/course-importer/internal/queue"
)

const redisPrefix = "courseimport:"

// openStore returns the profile store shared by every client process.
func openStore(ctx context.Context, c config.ClientConfig) (localstore.Store, error) {
	switch c.Store {
	case config.StoreRedis:
		return localstore.DialRedis(ctx, c.RedisURL, redisPrefix)
	default:
		return localstore.NewFileStore(c.ProfileDir)
	}
}

func newAPIClient(c config.ClientConfig) *apiclient.Client {
	return apiclient.New(c.ServerURL,
		apiclient.WithAttempts(uint(c.RequestAttempts)),
		apiclient.WithTimeout(c.RequestTimeout),
	)
}

type session struct {
	store   localstore.Store
	elector *ownership.Elector
	manager *queue.Manager
}

// openSession builds a queue manager for this process. The caller must Close it.
func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	store, err := openStore(ctx, cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	elector := ownership.New(store,
		ownership.WithHeartbeatInterval(cfg.Ownership.HeartbeatInterval),
		ownership.WithStaleAfter(cfg.Ownership.StaleAfter),
	)
	m := queue.New(newAPIClient(cfg.Client), store,
		queue.WithElector(elector),
		queue.WithSettings(queue.Settings{
			PollInterval:       cfg.Client.PollInterval,
			MaxPollInterval:    cfg.Client.MaxPollInterval,
			StallTimeout:       cfg.Client.StallTimeout,
			WatchdogInterval:   cfg.Client.WatchdogInterval,
			RescheduleDelay:    cfg.Client.RescheduleDelay,
			PauseCheckInterval: cfg.Client.PauseCheckInterval,
			EmergencyWindow:    cfg.Client.EmergencyWindow,
		}),
	)
	return &session{store: store, elector: elector, manager: m}, nil
}

// Close unloads the manager, saving a snapshot when work is left, and
// reports whether anything was left unfinished.
func (s *session) Close(ctx context.Context) (bool, error) {
	warn, err := s.manager.Unload(ctx)
	return warn, errors.Join(err, s.manager.Close(), s.store.Close())
}

// parseSection reads "Name=path[,path...]". A directory expands to its
// regular files in name order.
func parseSection(value string) (queue.Section, error) {
	name, list, ok := strings.Cut(value, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return queue.Section{}, fmt.Errorf("section %q: want Name=path[,path...]", value)
	}
	sec := queue.Section{Name: name}
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			// missing files are reported by job validation
			sec.Files = append(sec.Files, p)
			continue
		}
		files, err := dirFiles(p)
		if err != nil {
			return queue.Section{}, err
		}
		sec.Files = append(sec.Files, files...)
	}
	if len(sec.Files) == 0 {
		return queue.Section{}, fmt.Errorf("section %q has no files", name)
	}
	return sec, nil
}

func dirFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			ret = append(ret, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(ret)
	return ret, nil
}
