package state

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-service-command"
)

// FileStore keeps one JSON document per (environment, service) under Dir:
//
//	<dir>/<environment>/<service>.json
type FileStore struct {
	dir string
	now func() time.Time
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

func (s *FileStore) path(env, service string) string {
	return filepath.Join(s.dir, env, service+".json")
}

func (s *FileStore) Load(ctx context.Context, env, service string) (*command.ResourceState, error) {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path(env, service))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, command.NewStateIOError("read resource state", err, stateMeta(env, service))
	}
	rec, err := decodeRecord(raw, env, service)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save writes to a temp file in the same directory and renames it over the
// target so readers never observe a partial document.
func (s *FileStore) Save(ctx context.Context, env, service string, rec command.ResourceState) error {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = s.now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return command.NewStateIOError("encode resource state", err, stateMeta(env, service))
	}

	dir := filepath.Join(s.dir, env)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return command.NewStateIOError("create state directory", err, stateMeta(env, service))
	}
	tmp, err := os.CreateTemp(dir, "."+service+".*.tmp")
	if err != nil {
		return command.NewStateIOError("create temp state file", err, stateMeta(env, service))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return command.NewStateIOError("write resource state", err, stateMeta(env, service))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return command.NewStateIOError("write resource state", err, stateMeta(env, service))
	}
	if err := os.Rename(tmpName, s.path(env, service)); err != nil {
		os.Remove(tmpName)
		return command.NewStateIOError("replace resource state", err, stateMeta(env, service))
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context, env, service string) error {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(env, service)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return command.NewStateIOError("remove resource state", err, stateMeta(env, service))
	}
	return nil
}

// List reads every record of env. A document that cannot be read is listed
// with Err set; only cancellation fails the whole listing.
func (s *FileStore) List(ctx context.Context, env string) ([]Entry, error) {
	env, err := normalizeEnv(env)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, env))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, command.NewStateIOError("list resource state", err, map[string]any{"environment": env})
	}

	var out []Entry
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		service := strings.TrimSuffix(name, ".json")
		rec, err := s.Load(ctx, env, service)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			out = append(out, Entry{Environment: env, Service: service, Err: err})
			continue
		}
		if rec == nil {
			continue
		}
		out = append(out, Entry{Environment: env, Service: service, State: *rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

func decodeRecord(raw []byte, env, service string) (command.ResourceState, error) {
	var rec command.ResourceState
	if err := json.Unmarshal(raw, &rec); err != nil {
		return command.ResourceState{}, command.NewStateIOError("corrupt resource state", err, stateMeta(env, service))
	}
	if rec.Platform == "" || len(rec.Payload) == 0 {
		return command.ResourceState{}, command.NewStateIOError("incomplete resource state", nil, stateMeta(env, service))
	}
	return rec, nil
}

func stateMeta(env, service string) map[string]any {
	return map[string]any{"environment": env, "service": service}
}
