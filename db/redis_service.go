package db

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"math00ost/models"
)

const (
	teachersHash = "teachers" // Hash: teacher name -> Teacher JSON
	groupsHash   = "groups"   // Hash: group code -> Group JSON

	maxPushAttempts = 3
)

// RemoteStore mirrors teachers and their groups to a shared Redis instance
type RemoteStore struct {
	Client  *redis.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewRemoteStore creates a RemoteStore; every call is bounded by timeout (0 = unbounded).
func NewRemoteStore(client *redis.Client, timeout time.Duration, logger *slog.Logger) *RemoteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteStore{Client: client, timeout: timeout, logger: logger}
}

func (s *RemoteStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Ping checks connectivity.
func (s *RemoteStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.Client.Ping(ctx).Err(); err != nil {
		return &models.RemoteUnavailableError{Err: err}
	}
	return nil
}

// FetchTeacher returns the remote teacher record and every group it lists.
// Group documents that no longer exist are skipped.
func (s *RemoteStore) FetchTeacher(ctx context.Context, name string) (*models.Teacher, []*models.Group, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	raw, err := s.Client.HGet(ctx, teachersHash, name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, models.NewNotFoundError("teacher", name)
		}
		return nil, nil, &models.RemoteUnavailableError{Err: err}
	}
	var t models.Teacher
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, nil, errors.Wrapf(err, "decoding remote teacher %q", name)
	}
	t.Name = name
	if t.Groups == nil {
		t.Groups = []string{}
	}

	groups, err := s.fetchGroups(ctx, t.Groups)
	if err != nil {
		return nil, nil, err
	}
	return &t, groups, nil
}

func (s *RemoteStore) fetchGroups(ctx context.Context, codes []string) ([]*models.Group, error) {
	if len(codes) == 0 {
		return []*models.Group{}, nil
	}
	vals, err := s.Client.HMGet(ctx, groupsHash, codes...).Result()
	if err != nil {
		return nil, &models.RemoteUnavailableError{Err: err}
	}
	groups := make([]*models.Group, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			s.logger.Warn("Remote group missing", slog.String("code", codes[i]))
			continue
		}
		g, err := decodeGroup(codes[i], str)
		if err != nil {
			s.logger.Warn("Skipping undecodable remote group", slog.String("code", codes[i]), slog.String("error", err.Error()))
			continue
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// FetchGroup returns a single remote group by code.
func (s *RemoteStore) FetchGroup(ctx context.Context, code string) (*models.Group, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	raw, err := s.Client.HGet(ctx, groupsHash, code).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.NewNotFoundError("group", code)
		}
		return nil, &models.RemoteUnavailableError{Err: err}
	}
	return decodeGroup(code, raw)
}

func decodeGroup(code, raw string) (*models.Group, error) {
	var g models.Group
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, errors.Wrapf(err, "decoding remote group %q", code)
	}
	g.Code = code
	if g.Students == nil {
		g.Students = map[string]*models.Student{}
	}
	return &g, nil
}

// PushAll writes the teacher record and its groups in one optimistic
// WATCH/MULTI/EXEC transaction and removes the groups listed in deleted.
// A nil teacher pushes the groups alone, for owners with no local record.
// Only the revision keys of this teacher and the touched groups are watched,
// so pushes for unrelated teachers never conflict. A group code owned by
// another teacher on remote fails the push; a deleted code is only removed
// while remote still records this teacher as owner. On any error nothing is
// written.
func (s *RemoteStore) PushAll(ctx context.Context, name string, teacher *models.Teacher, groups []*models.Group, deleted []string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var teacherJSON []byte
	if teacher != nil {
		stamped := teacher.Clone()
		stamped.LastSync = time.Now().UTC()
		raw, err := json.Marshal(stamped)
		if err != nil {
			return errors.Wrap(err, "encoding teacher")
		}
		teacherJSON = raw
	}
	written := make(map[string]bool, len(groups))
	codes := make([]string, 0, len(groups)+len(deleted))
	groupVals := make([]interface{}, 0, 2*len(groups))
	for _, g := range groups {
		raw, err := json.Marshal(g)
		if err != nil {
			return errors.Wrapf(err, "encoding group %s", g.Code)
		}
		groupVals = append(groupVals, g.Code, string(raw))
		written[g.Code] = true
		codes = append(codes, g.Code)
	}
	for _, code := range deleted {
		if !written[code] {
			codes = append(codes, code)
		}
	}

	watched := make([]string, 0, len(codes)+1)
	watched = append(watched, teacherRevKey(name))
	for _, code := range codes {
		watched = append(watched, groupRevKey(code))
	}

	var removed []string
	txf := func(tx *redis.Tx) error {
		if err := checkLayout(ctx, tx); err != nil {
			return err
		}
		owners, err := remoteOwners(ctx, tx, codes)
		if err != nil {
			return err
		}
		removed = removed[:0]
		for _, code := range codes {
			owner, exists := owners[code]
			switch {
			case written[code] && exists && owner != "" && owner != name:
				return &models.RemoteWriteError{Err: errors.Errorf("group %s belongs to %q on remote", code, owner)}
			case !written[code] && exists && owner == name:
				removed = append(removed, code)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if teacherJSON != nil {
				pipe.HSet(ctx, teachersHash, name, string(teacherJSON))
			}
			if len(groupVals) > 0 {
				pipe.HSet(ctx, groupsHash, groupVals...)
			}
			if len(removed) > 0 {
				pipe.HDel(ctx, groupsHash, removed...)
			}
			for _, key := range watched {
				pipe.Incr(ctx, key)
			}
			return nil
		})
		return err
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = s.Client.Watch(ctx, txf, watched...)
		if !errors.Is(err, redis.TxFailedErr) || attempt == maxPushAttempts {
			break
		}
		s.logger.Debug("Remote push raced, retrying", slog.String("teacher", name), slog.Int("attempt", attempt))
	}
	if err != nil {
		if models.IsRemoteWrite(err) || models.IsRemoteUnavailable(err) {
			return err
		}
		if isConnErr(err) {
			return &models.RemoteUnavailableError{Err: err}
		}
		return &models.RemoteWriteError{Err: err}
	}
	s.logger.Debug("Pushed teacher to remote", slog.String("teacher", name), slog.Int("groups", len(groups)), slog.Int("removed", len(removed)))
	return nil
}

// checkLayout refuses to write when a collection key holds something other than a hash.
func checkLayout(ctx context.Context, tx *redis.Tx) error {
	for _, key := range []string{teachersHash, groupsHash} {
		typ, err := tx.Type(ctx, key).Result()
		if err != nil {
			return &models.RemoteUnavailableError{Err: err}
		}
		if typ != "hash" && typ != "none" {
			return &models.RemoteWriteError{Err: errors.Errorf("key %q holds a %s, want hash", key, typ)}
		}
	}
	return nil
}

// remoteOwners maps each code present on remote to the teacher it belongs to.
func remoteOwners(ctx context.Context, tx *redis.Tx, codes []string) (map[string]string, error) {
	owners := make(map[string]string, len(codes))
	if len(codes) == 0 {
		return owners, nil
	}
	vals, err := tx.HMGet(ctx, groupsHash, codes...).Result()
	if err != nil {
		return nil, &models.RemoteUnavailableError{Err: err}
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		g, err := decodeGroup(codes[i], str)
		if err != nil {
			// unreadable documents are overwritten, never deleted
			owners[codes[i]] = ""
			continue
		}
		owners[codes[i]] = g.Teacher
	}
	return owners, nil
}

func teacherRevKey(name string) string { return "rev:teacher:" + name }

func groupRevKey(code string) string { return "rev:group:" + code }

func isConnErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, redis.ErrClosed)
}

// InitializeRedisClient creates a Redis client and tests the connection.
// An unreachable server is logged, not fatal: the app starts offline.
func InitializeRedisClient(addr, password string, db int, logger *slog.Logger) (*redis.Client, bool) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Could not connect to Redis, starting offline", slog.String("addr", addr), slog.String("error", err.Error()))
		return rdb, false
	}
	logger.Info("Connected to Redis", slog.String("addr", addr), slog.Int("db", db))
	return rdb, true
}
