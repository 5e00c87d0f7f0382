package queuebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotInitialized is returned by every QueueStore operation called
	// before InitStorage has completed
	ErrNotInitialized = errors.New("queue storage not initialized")

	// ErrInvalidKey is returned for keys that can't be written to a record
	// tag line
	ErrInvalidKey = errors.New("invalid queue key")

	// ErrKeyUnavailable is returned when the data record for a new key
	// can't be created. Nothing is changed in memory.
	ErrKeyUnavailable = errors.New("queue key unavailable")
)

// initFetchConcurrency bounds concurrent data record fetches during
// InitStorage
const initFetchConcurrency = 4

// BackingWriteError is returned when a record in the storage channel could
// not be written. When a mutation returns it, the in-memory state has
// already been updated and is not rolled back.
type BackingWriteError struct {
	Record string
	Err    error
}

func (e *BackingWriteError) Error() string {
	return fmt.Sprintf("writing %s record: %v", e.Record, e.Err)
}

func (e *BackingWriteError) Unwrap() error {
	return e.Err
}

// languageResolver maps requested language codes to loaded bundles
type languageResolver interface {
	Resolve(code string) string
	Default() string
}

// QueueStore holds one guild's queues and settings, persisted as messages
// in a hidden text channel. Reads are served from memory; every mutation
// rewrites the one record it changed before returning.
//
// Writes to the same record are ordered by revision. A mutation takes a
// snapshot and a revision number while holding the state lock, then
// writes outside of it. A write whose revision is older than one already
// persisted is skipped, so the stored record converges to the newest
// in-memory state even when edits complete out of order.
type QueueStore struct {
	guildID   string
	channel   MessageChannel
	langs     languageResolver
	config    *StorageConfig
	logger    *slog.Logger
	initMu    sync.Mutex
	provision singleflight.Group

	mu                sync.RWMutex
	initialized       bool
	storageChannelID  string
	indexMessageID    string
	settingsMessageID string
	index             map[string]string
	queues            map[string][]int64
	settings          Settings
	revisions         map[string]uint64

	writeMu sync.Mutex
	writes  map[string]*recordWriter
}

// recordWriter serializes edits of one record and tracks the newest
// revision written to it
type recordWriter struct {
	mu      sync.Mutex
	written uint64
}

// pendingWrite is a snapshot of a record taken under the state lock
type pendingWrite struct {
	record    string
	channelID string
	messageID string
	revision  uint64
	content   string
}

func NewQueueStore(
	guildID string,
	channel MessageChannel,
	langs languageResolver,
	config *StorageConfig,
	logger *slog.Logger,
) *QueueStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueStore{
		guildID:   guildID,
		channel:   channel,
		langs:     langs,
		config:    config,
		logger:    logger.With("guild_id", guildID),
		index:     map[string]string{},
		queues:    map[string][]int64{},
		revisions: map[string]uint64{},
		writes:    map[string]*recordWriter{},
	}
}

func (s *QueueStore) GuildID() string {
	return s.guildID
}

// Initialized reports whether InitStorage has completed at least once
func (s *QueueStore) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// StorageChannelID returns the ID of the storage channel, or an empty
// string before initialization
func (s *QueueStore) StorageChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storageChannelID
}

// InitStorage locates or creates the storage channel and its index and
// settings records, then loads every queue listed in the index. It fully
// replaces in-memory state and may be called again at any time to reload.
//
// A record that fails to decode is logged and loaded as empty (or as
// default settings). Errors are returned only when the channel or the
// index/settings records can't be located or created.
func (s *QueueStore) InitStorage(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initStorage(ctx)
}

// initOnce runs InitStorage unless it has already completed. Callers that
// arrive while another initialization is running wait for it and don't
// load state a second time.
func (s *QueueStore) initOnce(ctx context.Context) error {
	if s.Initialized() {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.Initialized() {
		return nil
	}
	return s.initStorage(ctx)
}

// initStorage must be called with s.initMu held
func (s *QueueStore) initStorage(ctx context.Context) error {
	logger := s.logger
	channelID, err := s.ensureStorageChannel(ctx)
	if err != nil {
		return err
	}

	indexMsg, settingsMsg, err := s.scanRecords(ctx, channelID)
	if err != nil {
		return fmt.Errorf("scanning storage channel: %w", err)
	}

	if indexMsg == nil {
		indexMsg, err = s.channel.SendMessage(ctx, channelID, EncodeIndex(nil))
		if err != nil {
			return &BackingWriteError{Record: RecordTagIndex, Err: err}
		}
		logger.InfoContext(ctx, "created index record", "message_id", indexMsg.ID)
	}
	if settingsMsg == nil {
		settingsMsg, err = s.channel.SendMessage(
			ctx,
			channelID,
			EncodeSettings(Settings{Lang: s.langs.Default()}),
		)
		if err != nil {
			return &BackingWriteError{Record: RecordTagSettings, Err: err}
		}
		logger.InfoContext(ctx, "created settings record", "message_id", settingsMsg.ID)
	}

	index, err := DecodeIndex(indexMsg.Content)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"index record is malformed, starting with an empty index",
			tint.Err(err),
			"message_id", indexMsg.ID,
		)
		index = map[string]string{}
	}

	settings, err := DecodeSettings(settingsMsg.Content)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"settings record is malformed, using defaults",
			tint.Err(err),
			"message_id", settingsMsg.ID,
		)
	}
	settings.Lang = s.langs.Resolve(settings.Lang)

	queues := s.loadQueues(ctx, channelID, index)

	s.mu.Lock()
	s.storageChannelID = channelID
	s.indexMessageID = indexMsg.ID
	s.settingsMessageID = settingsMsg.ID
	s.index = index
	s.queues = queues
	s.settings = settings
	s.initialized = true
	s.mu.Unlock()

	logger.InfoContext(
		ctx,
		"storage initialized",
		"channel_id", channelID,
		"keys", len(index),
		"lang", settings.Lang,
	)
	return nil
}

// ensureStorageChannel finds the storage channel by name, creating it
// with visibility restricted to the bot if it doesn't exist
func (s *QueueStore) ensureStorageChannel(ctx context.Context) (string, error) {
	channels, err := s.channel.TextChannels(ctx, s.guildID)
	if err != nil {
		return "", fmt.Errorf("listing channels: %w", err)
	}
	for _, ch := range channels {
		if ch.Name == s.config.ChannelName {
			return ch.ID, nil
		}
	}

	botID := s.channel.BotUserID()
	ch, err := s.channel.CreateTextChannel(
		ctx,
		s.guildID,
		discordgo.GuildChannelCreateData{
			Name:  s.config.ChannelName,
			Topic: s.config.ChannelTopic,
			PermissionOverwrites: []*discordgo.PermissionOverwrite{
				{
					// the @everyone role shares the guild's ID
					ID:   s.guildID,
					Type: discordgo.PermissionOverwriteTypeRole,
					Deny: discordgo.PermissionViewChannel,
				},
				{
					ID:   botID,
					Type: discordgo.PermissionOverwriteTypeMember,
					Allow: discordgo.PermissionViewChannel |
						discordgo.PermissionSendMessages |
						discordgo.PermissionReadMessageHistory,
				},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("creating storage channel: %w", err)
	}
	s.logger.InfoContext(ctx, "created storage channel", "channel_id", ch.ID, "name", ch.Name)
	return ch.ID, nil
}

// scanRecords searches the oldest messages of the storage channel for the
// index and settings records. When a tag appears more than once, the
// newest occurrence within the scan window wins.
func (s *QueueStore) scanRecords(ctx context.Context, channelID string) (
	index *discordgo.Message,
	settings *discordgo.Message,
	err error,
) {
	msgs, err := s.channel.History(ctx, channelID, s.config.ScanLimit, OldestFirst)
	if err != nil {
		return nil, nil, err
	}
	botID := s.channel.BotUserID()
	for _, m := range msgs {
		if m.Author == nil || m.Author.ID != botID {
			continue
		}
		switch RecordKindOf(m.Content) {
		case RecordIndex:
			if index != nil {
				s.logger.WarnContext(
					ctx,
					"duplicate index record",
					"message_id", m.ID,
					"previous_message_id", index.ID,
				)
			}
			index = m
		case RecordSettings:
			if settings != nil {
				s.logger.WarnContext(
					ctx,
					"duplicate settings record",
					"message_id", m.ID,
					"previous_message_id", settings.ID,
				)
			}
			settings = m
		}
	}
	return index, settings, nil
}

// loadQueues fetches and decodes the data record for every indexed key.
// Failures leave that key's queue empty without affecting other keys.
func (s *QueueStore) loadQueues(
	ctx context.Context,
	channelID string,
	index map[string]string,
) map[string][]int64 {
	queues := make(map[string][]int64, len(index))
	for key := range index {
		queues[key] = []int64{}
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(initFetchConcurrency)
	for key, messageID := range index {
		g.Go(
			func() error {
				logger := s.logger.With("key", key, "message_id", messageID)
				msg, err := s.channel.FetchMessage(gctx, channelID, messageID)
				if err != nil {
					logger.ErrorContext(ctx, "unable to fetch data record", tint.Err(err))
					return nil
				}
				recordKey, members, err := DecodeQueue(msg.Content)
				if err != nil {
					logger.ErrorContext(ctx, "data record is malformed, queue loaded empty", tint.Err(err))
					return nil
				}
				if recordKey != key {
					logger.WarnContext(ctx, "data record key differs from index", "record_key", recordKey)
				}
				mu.Lock()
				queues[key] = members
				mu.Unlock()
				return nil
			},
		)
	}
	_ = g.Wait()
	return queues
}

// ready returns ErrNotInitialized until InitStorage has completed. The
// caller must hold s.mu.
func (s *QueueStore) ready() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if strings.ContainsAny(key, "\r\n") {
		return fmt.Errorf("%w: key contains a line break", ErrInvalidKey)
	}
	return nil
}

// EnsureKey creates the data record and index entry for key if they don't
// exist. Concurrent calls for the same key share one provisioning.
func (s *QueueStore) EnsureKey(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.RLock()
	err := s.ready()
	_, exists := s.index[key]
	channelID := s.storageChannelID
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err, _ = s.provision.Do(
		key, func() (any, error) {
			s.mu.RLock()
			_, exists := s.index[key]
			s.mu.RUnlock()
			if exists {
				return nil, nil
			}

			msg, sendErr := s.channel.SendMessage(ctx, channelID, EncodeQueue(key, nil))
			if sendErr != nil {
				return nil, fmt.Errorf("%w: creating %s record: %w", ErrKeyUnavailable, RecordTagData+" "+key, sendErr)
			}

			s.mu.Lock()
			s.index[key] = msg.ID
			if _, ok := s.queues[key]; !ok {
				s.queues[key] = []int64{}
			}
			w := s.snapshotIndex()
			s.mu.Unlock()

			s.logger.InfoContext(ctx, "created data record", "key", key, "message_id", msg.ID)
			return nil, s.persist(ctx, w)
		},
	)
	return err
}

// prepareKey runs EnsureKey ahead of a keyed mutation. Once the data
// record exists, a failed index write is returned as indexErr and the
// mutation goes ahead.
func (s *QueueStore) prepareKey(ctx context.Context, key string) (indexErr error, err error) {
	err = s.EnsureKey(ctx, key)
	var writeErr *BackingWriteError
	if errors.As(err, &writeErr) {
		return err, nil
	}
	return nil, err
}

// Lang returns the guild's active language code
func (s *QueueStore) Lang() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return "", err
	}
	return s.settings.Lang, nil
}

// SetLang sets and persists the guild language. Codes without a loaded
// bundle are replaced with the default language. The stored code is
// returned.
func (s *QueueStore) SetLang(ctx context.Context, code string) (string, error) {
	resolved := s.langs.Resolve(code)

	s.mu.Lock()
	if err := s.ready(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.settings.Lang = resolved
	w := s.snapshotSettings()
	s.mu.Unlock()

	return resolved, s.persist(ctx, w)
}

// Keys returns every known queue key, sorted
func (s *QueueStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// List returns a copy of the queue for key, in join order. Unknown keys
// return an empty queue.
func (s *QueueStore) List(key string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return slices.Clone(s.queues[key]), nil
}

// Count returns the number of members queued under key
func (s *QueueStore) Count(key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	return len(s.queues[key]), nil
}

// PositionOf returns the 1-based position of member in the queue, and
// false if the member isn't queued
func (s *QueueStore) PositionOf(key string, member int64) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return 0, false, err
	}
	idx := slices.Index(s.queues[key], member)
	if idx < 0 {
		return 0, false, nil
	}
	return idx + 1, true, nil
}

// Add appends member to the queue and returns its 1-based position. If
// the member is already queued, its existing position is returned and
// nothing is written.
func (s *QueueStore) Add(ctx context.Context, key string, member int64) (int, error) {
	indexErr, err := s.prepareKey(ctx, key)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	q := s.queues[key]
	if idx := slices.Index(q, member); idx >= 0 {
		s.mu.Unlock()
		return idx + 1, nil
	}
	q = append(q, member)
	s.queues[key] = q
	pos := len(q)
	w := s.snapshotQueue(key)
	s.mu.Unlock()

	return pos, errors.Join(indexErr, s.persist(ctx, w))
}

// Remove removes member from the queue, reporting whether it was present.
// The data record is only rewritten when a member was removed.
func (s *QueueStore) Remove(ctx context.Context, key string, member int64) (bool, error) {
	indexErr, err := s.prepareKey(ctx, key)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	q := s.queues[key]
	idx := slices.Index(q, member)
	if idx < 0 {
		s.mu.Unlock()
		return false, indexErr
	}
	s.queues[key] = slices.Delete(q, idx, idx+1)
	w := s.snapshotQueue(key)
	s.mu.Unlock()

	return true, errors.Join(indexErr, s.persist(ctx, w))
}

// RemoveMany removes each given member from the queue with a single
// write, returning the members that were removed and those that weren't
// queued, both in argument order
func (s *QueueStore) RemoveMany(
	ctx context.Context,
	key string,
	members []int64,
) (removed []int64, missing []int64, err error) {
	indexErr, err := s.prepareKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	q := s.queues[key]
	for _, m := range members {
		idx := slices.Index(q, m)
		if idx < 0 {
			missing = append(missing, m)
			continue
		}
		q = slices.Delete(q, idx, idx+1)
		removed = append(removed, m)
	}
	s.queues[key] = q
	if len(removed) == 0 {
		s.mu.Unlock()
		return removed, missing, indexErr
	}
	w := s.snapshotQueue(key)
	s.mu.Unlock()

	return removed, missing, errors.Join(indexErr, s.persist(ctx, w))
}

// Reset empties the queue for key. The data record is always rewritten,
// which also repairs a record that failed to decode.
func (s *QueueStore) Reset(ctx context.Context, key string) error {
	indexErr, err := s.prepareKey(ctx, key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.queues[key] = []int64{}
	w := s.snapshotQueue(key)
	s.mu.Unlock()

	return errors.Join(indexErr, s.persist(ctx, w))
}

// PopFront removes and returns up to n members from the front of the
// queue. n is clamped to [0, length]; when nothing is removed, nothing is
// written.
func (s *QueueStore) PopFront(ctx context.Context, key string, n int) ([]int64, error) {
	indexErr, err := s.prepareKey(ctx, key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	q := s.queues[key]
	n = clamp(n, 0, len(q))
	if n == 0 {
		s.mu.Unlock()
		return []int64{}, indexErr
	}
	popped := slices.Clone(q[:n])
	s.queues[key] = slices.Clone(q[n:])
	w := s.snapshotQueue(key)
	s.mu.Unlock()

	return popped, errors.Join(indexErr, s.persist(ctx, w))
}

// nextRevision must be called with s.mu held
func (s *QueueStore) nextRevision(messageID string) uint64 {
	s.revisions[messageID]++
	return s.revisions[messageID]
}

func (s *QueueStore) snapshotIndex() pendingWrite {
	return pendingWrite{
		record:    RecordTagIndex,
		channelID: s.storageChannelID,
		messageID: s.indexMessageID,
		revision:  s.nextRevision(s.indexMessageID),
		content:   EncodeIndex(s.index),
	}
}

func (s *QueueStore) snapshotSettings() pendingWrite {
	return pendingWrite{
		record:    RecordTagSettings,
		channelID: s.storageChannelID,
		messageID: s.settingsMessageID,
		revision:  s.nextRevision(s.settingsMessageID),
		content:   EncodeSettings(s.settings),
	}
}

func (s *QueueStore) snapshotQueue(key string) pendingWrite {
	messageID := s.index[key]
	return pendingWrite{
		record:    RecordTagData + " " + key,
		channelID: s.storageChannelID,
		messageID: messageID,
		revision:  s.nextRevision(messageID),
		content:   EncodeQueue(key, s.queues[key]),
	}
}

func (s *QueueStore) writer(messageID string) *recordWriter {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	w, ok := s.writes[messageID]
	if !ok {
		w = &recordWriter{}
		s.writes[messageID] = w
	}
	return w
}

// persist edits the record unless a newer revision was already written
func (s *QueueStore) persist(ctx context.Context, p pendingWrite) error {
	w := s.writer(p.messageID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if p.revision <= w.written {
		s.logger.DebugContext(
			ctx,
			"skipping stale record write",
			"record", p.record,
			"revision", p.revision,
			"written", w.written,
		)
		return nil
	}

	if _, err := s.channel.EditMessage(ctx, p.channelID, p.messageID, p.content); err != nil {
		s.logger.ErrorContext(
			ctx,
			"unable to write record",
			tint.Err(err),
			"record", p.record,
			"message_id", p.messageID,
		)
		return &BackingWriteError{Record: p.record, Err: err}
	}
	w.written = p.revision
	return nil
}
