// Package consul stores articles in Consul KV and uses Consul sessions as
// the exclusive lock.
//
// Each transaction owns one session. Locking an article acquires
// <prefix>/<id>/.lock with that session; a refused acquire is reported as
// guard.ErrLockNotAvailable. Writes are staged and applied on Commit by a
// single KV transaction that also checks the session still owns the lock
// and deletes the lock key. Rollback deletes the keys it owns, so a failed
// attempt leaves the KV directory as it found it. If the owning process dies, the session's TTL expires,
// Consul releases the lock, and nothing staged was ever written.
package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/publishonce/internal/article"
	"github.com/roach88/publishonce/internal/env"
	"github.com/roach88/publishonce/internal/guard"
)

const (
	lockSuffix = ".lock"
	namesDir   = "names"
)

var _ guard.Store = (*Store)(nil)

// Config selects the Consul agent and KV layout.
type Config struct {
	Address    string
	Scheme     string
	Datacenter string
	Token      string

	// Prefix is the KV directory holding articles.
	Prefix string

	// SessionTTL bounds how long a crashed node can hold a lock.
	SessionTTL time.Duration
}

// ConfigFromEnv reads CONSUL_HTTP_ADDR, CONSUL_HTTP_TOKEN and the
// PUBLISHONCE_CONSUL_* settings.
func ConfigFromEnv() (Config, error) {
	ttl, err := env.Duration("PUBLISHONCE_CONSUL_SESSION_TTL", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Address:    env.String("CONSUL_HTTP_ADDR", "127.0.0.1:8500"),
		Scheme:     env.String("PUBLISHONCE_CONSUL_SCHEME", "http"),
		Datacenter: env.String("PUBLISHONCE_CONSUL_DATACENTER", ""),
		Token:      env.String("CONSUL_HTTP_TOKEN", ""),
		Prefix:     env.String("PUBLISHONCE_CONSUL_PREFIX", "publishonce/articles"),
		SessionTTL: ttl,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.New("consul address is required")
	}
	if strings.Trim(c.Prefix, "/") == "" {
		return errors.New("consul prefix is required")
	}
	// Consul accepts session TTLs between 10s and 24h.
	if c.SessionTTL < 10*time.Second || c.SessionTTL > 24*time.Hour {
		return fmt.Errorf("consul session TTL %s out of range [10s, 24h]", c.SessionTTL)
	}
	return nil
}

// Store is one node's handle on the Consul KV article directory.
type Store struct {
	client *api.Client
	prefix string
	ttl    time.Duration
}

// Open creates a Consul client. No request is made until first use.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.Scheme != "" {
		apiCfg.Scheme = cfg.Scheme
	}
	apiCfg.Datacenter = cfg.Datacenter
	apiCfg.Token = cfg.Token

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Store{
		client: client,
		prefix: strings.Trim(cfg.Prefix, "/"),
		ttl:    cfg.SessionTTL,
	}, nil
}

// Close is a no-op; the HTTP client holds no session state between calls.
func (s *Store) Close() error { return nil }

func (s *Store) articleKey(id uuid.UUID) string {
	return path.Join(s.prefix, id.String())
}

func (s *Store) lockKey(id uuid.UUID) string {
	return path.Join(s.prefix, id.String(), lockSuffix)
}

func (s *Store) nameKey(name string) string {
	return path.Join(s.prefix, namesDir, nameDigest(name))
}

// CreateArticle writes the article and its name index atomically; both keys
// must not exist.
func (s *Store) CreateArticle(ctx context.Context, a article.Article) error {
	value, err := encode(a)
	if err != nil {
		return fmt.Errorf("create article: %w", err)
	}
	ops := api.TxnOps{
		{KV: &api.KVTxnOp{Verb: api.KVCAS, Key: s.nameKey(a.Name), Value: []byte(a.ID.String()), Index: 0}},
		{KV: &api.KVTxnOp{Verb: api.KVCAS, Key: s.articleKey(a.ID), Value: value, Index: 0}},
	}
	ok, resp, _, err := s.client.Txn().Txn(ops, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("create article: %w", err)
	}
	if !ok {
		if resp != nil && len(resp.Errors) > 0 && resp.Errors[0].OpIndex == 0 {
			return fmt.Errorf("create article: %w: %q", article.ErrDuplicateName, a.Name)
		}
		return fmt.Errorf("create article: %s", txnErrors(resp))
	}
	return nil
}

// GetArticle reads the committed article with a consistent read.
func (s *Store) GetArticle(ctx context.Context, id uuid.UUID) (article.Article, error) {
	pair, _, err := s.client.KV().Get(s.articleKey(id), (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	if err != nil {
		return article.Article{}, fmt.Errorf("get article %s: %w", id, err)
	}
	if pair == nil {
		return article.Article{}, fmt.Errorf("get article %s: %w", id, article.ErrNotFound)
	}
	a, err := decode(pair.Value)
	if err != nil {
		return article.Article{}, fmt.Errorf("get article %s: %w", id, err)
	}
	return a, nil
}

// ListArticles returns all articles ordered by creation time, then ID.
func (s *Store) ListArticles(ctx context.Context) ([]article.Article, error) {
	pairs, _, err := s.client.KV().List(s.prefix+"/", (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	var out []article.Article
	for _, p := range pairs {
		rel := strings.TrimPrefix(p.Key, s.prefix+"/")
		if strings.Contains(rel, "/") {
			continue // lock and name index keys
		}
		a, err := decode(p.Value)
		if err != nil {
			return nil, fmt.Errorf("list articles: %s: %w", p.Key, err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Begin creates the session that will own this transaction's locks and
// starts renewing it.
func (s *Store) Begin(ctx context.Context) (guard.Tx, error) {
	sid, _, err := s.client.Session().Create(&api.SessionEntry{
		Name:     "publishonce",
		TTL:      s.ttl.String(),
		Behavior: api.SessionBehaviorRelease,
	}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul: create session: %w", err)
	}

	stop := make(chan struct{})
	go func() {
		// Returns when stop closes or the session is gone.
		_ = s.client.Session().RenewPeriodic(s.ttl.String(), sid, &api.WriteOptions{}, stop)
	}()

	return &Tx{
		store:   s,
		session: sid,
		stop:    stop,
		held:    make(map[uuid.UUID]uint64),
		staged:  make(map[uuid.UUID]article.Article),
	}, nil
}

// Tx is a transaction backed by one Consul session.
type Tx struct {
	store   *Store
	session string
	stop    chan struct{}

	// held maps locked articles to the ModifyIndex read under the lock.
	held   map[uuid.UUID]uint64
	staged map[uuid.UUID]article.Article
	done   bool
}

var errTxDone = errors.New("consul: transaction already committed or rolled back")

// GetArticle returns the article as this transaction sees it.
func (tx *Tx) GetArticle(ctx context.Context, id uuid.UUID) (article.Article, error) {
	if tx.done {
		return article.Article{}, errTxDone
	}
	if a, ok := tx.staged[id]; ok {
		return a, nil
	}
	return tx.store.GetArticle(ctx, id)
}

// GetForUpdate checks the article exists, acquires its lock key with this
// transaction's session, then reads the article under the lock. A missing
// article leaves no lock key behind.
func (tx *Tx) GetForUpdate(ctx context.Context, id uuid.UUID, mode guard.LockMode) (article.Article, error) {
	if tx.done {
		return article.Article{}, errTxDone
	}
	if _, ok := tx.held[id]; !ok {
		if _, err := tx.store.GetArticle(ctx, id); err != nil {
			return article.Article{}, err
		}
		if err := tx.acquire(ctx, id, mode); err != nil {
			return article.Article{}, fmt.Errorf("lock article %s: %w", id, err)
		}
	}

	kv := tx.store.client.KV()
	pair, _, err := kv.Get(tx.store.articleKey(id), (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	if err != nil {
		return article.Article{}, &guard.ReadError{Err: fmt.Errorf("get article %s: %w", id, err)}
	}
	if pair == nil {
		return article.Article{}, &guard.ReadError{Err: fmt.Errorf("get article %s: %w", id, article.ErrNotFound)}
	}
	a, err := decode(pair.Value)
	if err != nil {
		return article.Article{}, &guard.ReadError{Err: fmt.Errorf("get article %s: %w", id, err)}
	}
	tx.held[id] = pair.ModifyIndex
	return a, nil
}

func (tx *Tx) acquire(ctx context.Context, id uuid.UUID, mode guard.LockMode) error {
	waitCtx := ctx
	if mode.Blocking() && mode.Timeout() > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, mode.Timeout())
		defer cancel()
	}
	// The caller's context takes precedence over the lock wait timer.
	interrupted := func(err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if waitCtx.Err() != nil {
			return fmt.Errorf("wait %s: %w", mode.Timeout(), guard.ErrLockWaitTimeout)
		}
		return err
	}

	kv := tx.store.client.KV()
	key := tx.store.lockKey(id)
	for {
		ok, _, err := kv.Acquire(&api.KVPair{Key: key, Session: tx.session}, (&api.WriteOptions{}).WithContext(waitCtx))
		if err != nil {
			return interrupted(err)
		}
		if ok {
			tx.held[id] = 0
			return nil
		}
		if !mode.Blocking() {
			return guard.ErrLockNotAvailable
		}

		// Block until the lock key changes, then retry.
		pair, meta, err := kv.Get(key, (&api.QueryOptions{}).WithContext(waitCtx))
		if err != nil {
			return interrupted(err)
		}
		if pair == nil || pair.Session == "" {
			continue
		}
		_, _, err = kv.Get(key, (&api.QueryOptions{WaitIndex: meta.LastIndex}).WithContext(waitCtx))
		if err != nil {
			return interrupted(err)
		}
	}
}

// MarkPublished stages the publication. The lock must be held.
func (tx *Tx) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	if tx.done {
		return errTxDone
	}
	if _, ok := tx.held[id]; !ok {
		return fmt.Errorf("mark published %s: lock not held", id)
	}
	a, err := tx.GetArticle(ctx, id)
	if err != nil {
		return fmt.Errorf("mark published %s: %w", id, err)
	}
	a.IsPublished = true
	a.PublishedAt = at.UTC()
	tx.staged[id] = a
	return nil
}

// Commit writes staged articles and removes the lock keys in one KV
// transaction. It fails if the session lost a lock or an article changed
// since it was read under the lock; the locks are then released before the
// session is destroyed, so other nodes are not held back by lock-delay.
func (tx *Tx) Commit() error {
	if tx.done {
		return errTxDone
	}
	defer tx.finish()

	var ops api.TxnOps
	for id, modifyIndex := range tx.held {
		lockKey := tx.store.lockKey(id)
		ops = append(ops, &api.TxnOp{KV: &api.KVTxnOp{Verb: api.KVCheckSession, Key: lockKey, Session: tx.session}})
		if a, ok := tx.staged[id]; ok {
			value, err := encode(a)
			if err != nil {
				return tx.abort(fmt.Errorf("consul: commit: %w", err))
			}
			ops = append(ops, &api.TxnOp{KV: &api.KVTxnOp{Verb: api.KVCAS, Key: tx.store.articleKey(id), Value: value, Index: modifyIndex}})
		}
		ops = append(ops, &api.TxnOp{KV: &api.KVTxnOp{Verb: api.KVDelete, Key: lockKey}})
	}
	if len(ops) == 0 {
		return nil
	}

	ok, resp, _, err := tx.store.client.Txn().Txn(ops, nil)
	if err != nil {
		return tx.abort(fmt.Errorf("consul: commit: %w", err))
	}
	if !ok {
		return tx.abort(fmt.Errorf("consul: commit: %s", txnErrors(resp)))
	}
	return nil
}

// abort releases held locks after a failed commit. Release failures are
// combined with err.
func (tx *Tx) abort(err error) error {
	if relErr := tx.release(); relErr != nil {
		return multierror.Append(err, relErr)
	}
	return err
}

// Rollback releases held locks and destroys the session.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	defer tx.finish()
	return tx.release()
}

// release removes every lock key this session still owns. The session check
// keeps a key that has since passed to another session untouched.
func (tx *Tx) release() error {
	var result *multierror.Error
	for id := range tx.held {
		lockKey := tx.store.lockKey(id)
		ops := api.TxnOps{
			{KV: &api.KVTxnOp{Verb: api.KVCheckSession, Key: lockKey, Session: tx.session}},
			{KV: &api.KVTxnOp{Verb: api.KVDelete, Key: lockKey}},
		}
		// A failed session check means the key is no longer ours.
		if _, _, _, err := tx.store.client.Txn().Txn(ops, nil); err != nil {
			result = multierror.Append(result, fmt.Errorf("consul: release %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// finish stops renewal and destroys the session. Destroying a session
// releases any lock it still holds.
func (tx *Tx) finish() {
	tx.done = true
	close(tx.stop)
	_, _ = tx.store.client.Session().Destroy(tx.session, nil)
	tx.held = nil
	tx.staged = nil
}

func txnErrors(resp *api.TxnResponse) string {
	if resp == nil || len(resp.Errors) == 0 {
		return "transaction rolled back"
	}
	msgs := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		msgs = append(msgs, fmt.Sprintf("op %d: %s", e.OpIndex, e.What))
	}
	return strings.Join(msgs, "; ")
}

func encode(a article.Article) ([]byte, error) {
	return json.Marshal(a)
}

func decode(b []byte) (article.Article, error) {
	var a article.Article
	if err := json.Unmarshal(b, &a); err != nil {
		return article.Article{}, fmt.Errorf("decode article: %w", err)
	}
	return a, nil
}
