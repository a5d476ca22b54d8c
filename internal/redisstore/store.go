// Package redisstore is a Redis-backed record store. Each record is a hash;
// a sorted set per category indexes ids by creation time.
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hpungsan/tidings/internal/changes"
	"github.com/hpungsan/tidings/internal/config"
	"github.com/hpungsan/tidings/internal/errors"
)

const keyPrefix = "tidings"

// insertScript creates the record only if its hash does not exist yet.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'title', ARGV[1], 'content', ARGV[2], 'created_at', ARGV[3], 'updated_at', ARGV[4])
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'notified_at', ARGV[5])
end
if ARGV[6] == '1' then
  redis.call('HSET', KEYS[1], 'message_id', ARGV[7])
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[8])
redis.call('SADD', KEYS[3], ARGV[9])
return 1
`)

var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'title', ARGV[1], 'content', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

var markNotifiedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSETNX', KEYS[1], 'notified_at', ARGV[1])
if ARGV[2] == '1' then
  redis.call('HSET', KEYS[1], 'message_id', ARGV[3])
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
return 1
`)

// NewClient creates a Redis client from configuration.
func NewClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Store implements the record store on Redis.
type Store struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// New returns a Store using rdb.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func recordKey(category, id string) string {
	return fmt.Sprintf("%s:record:%s:%s", keyPrefix, category, id)
}

func indexKey(category string) string {
	return fmt.Sprintf("%s:records:%s", keyPrefix, category)
}

func categoriesKey() string {
	return keyPrefix + ":categories"
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// Lookup returns the stored records whose ids are in ids.
func (s *Store) Lookup(ctx context.Context, category string, ids []string) ([]changes.KnownRecord, error) {
	if err := checkCategory(category); err != nil {
		return nil, err
	}
	return s.fetch(ctx, category, ids)
}

// Insert stores a new record. Fails with DUPLICATE_KEY if the id exists.
func (s *Store) Insert(ctx context.Context, category string, rec changes.KnownRecord) error {
	if err := checkCategory(category); err != nil {
		return err
	}

	notifiedAt := ""
	if rec.Notified {
		notifiedAt = strconv.FormatInt(rec.CreatedAt, 10)
	}
	hasMsg, msg := "0", ""
	if rec.MessageID != nil {
		hasMsg, msg = "1", *rec.MessageID
	}

	created, err := insertScript.Run(ctx, s.rdb,
		[]string{recordKey(category, rec.ID), indexKey(category), categoriesKey()},
		rec.Title, rec.Content, rec.CreatedAt, rec.UpdatedAt, notifiedAt, hasMsg, msg, rec.ID, category,
	).Int()
	if err != nil {
		return errors.NewStoreUnavailable(err)
	}
	if created == 0 {
		return errors.NewDuplicateKey(category, rec.ID)
	}
	return nil
}

// Update replaces title and content of an existing record.
// Fails with NOT_FOUND if the id does not exist.
func (s *Store) Update(ctx context.Context, category, id, title, content string) error {
	if err := checkCategory(category); err != nil {
		return err
	}

	updated, err := updateScript.Run(ctx, s.rdb,
		[]string{recordKey(category, id)},
		title, content, s.now().Unix(),
	).Int()
	if err != nil {
		return errors.NewStoreUnavailable(err)
	}
	if updated == 0 {
		return errors.NewNotFound(category, id)
	}
	return nil
}

// MarkNotified flags a record as surfaced downstream. The first notification
// time is kept; a nil messageID leaves any stored reference untouched.
func (s *Store) MarkNotified(ctx context.Context, category, id string, messageID *string) error {
	if err := checkCategory(category); err != nil {
		return err
	}

	hasMsg, msg := "0", ""
	if messageID != nil {
		hasMsg, msg = "1", *messageID
	}
	marked, err := markNotifiedScript.Run(ctx, s.rdb,
		[]string{recordKey(category, id)},
		s.now().Unix(), hasMsg, msg,
	).Int()
	if err != nil {
		return errors.NewStoreUnavailable(err)
	}
	if marked == 0 {
		return errors.NewNotFound(category, id)
	}
	return nil
}

// List returns records of a category, newest first.
func (s *Store) List(ctx context.Context, category string, limit, offset int) ([]changes.KnownRecord, error) {
	if err := checkCategory(category); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []changes.KnownRecord{}, nil
	}

	ids, err := s.rdb.ZRevRange(ctx, indexKey(category), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailable(err)
	}
	return s.fetch(ctx, category, ids)
}

// Count returns the number of records stored for a category.
func (s *Store) Count(ctx context.Context, category string) (int, error) {
	if err := checkCategory(category); err != nil {
		return 0, err
	}
	n, err := s.rdb.ZCard(ctx, indexKey(category)).Result()
	if err != nil {
		return 0, errors.NewStoreUnavailable(err)
	}
	return int(n), nil
}

// Categories returns every category with at least one record, sorted by name.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, categoriesKey()).Result()
	if err != nil {
		return nil, errors.NewStoreUnavailable(err)
	}
	sort.Strings(names)
	return names, nil
}

// fetch loads the hashes for ids in one pipeline, preserving the order of ids
// and skipping ids without a record.
func (s *Store) fetch(ctx context.Context, category string, ids []string) ([]changes.KnownRecord, error) {
	records := []changes.KnownRecord{}
	if len(ids) == 0 {
		return records, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, recordKey(category, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.NewStoreUnavailable(err)
	}

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(ids[i], fields)
		if err != nil {
			return nil, errors.NewStoreUnavailable(err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(id string, fields map[string]string) (changes.KnownRecord, error) {
	rec := changes.KnownRecord{
		ID:      id,
		Title:   fields["title"],
		Content: fields["content"],
	}
	var err error
	if rec.CreatedAt, err = strconv.ParseInt(fields["created_at"], 10, 64); err != nil {
		return rec, fmt.Errorf("record %s: created_at: %w", id, err)
	}
	if rec.UpdatedAt, err = strconv.ParseInt(fields["updated_at"], 10, 64); err != nil {
		return rec, fmt.Errorf("record %s: updated_at: %w", id, err)
	}
	_, rec.Notified = fields["notified_at"]
	if msg, ok := fields["message_id"]; ok {
		rec.MessageID = &msg
	}
	return rec, nil
}

func checkCategory(category string) error {
	if !changes.ValidCategory(category) {
		return errors.NewInvalidRequest(fmt.Sprintf("%q is not a valid category name", category))
	}
	return nil
}
