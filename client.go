package gflake

import "sync"

// DefaultCacheSize is the number of recently issued IDs a Client remembers.
const DefaultCacheSize = 1024

// Client owns zero or one live Generator for a fixed epoch and remembers the
// most recently issued IDs. Renewing discards the generator and its sequence
// state; the cache survives.
type Client struct {
	mu          sync.RWMutex
	epoch       int64
	opts        []Option
	gen         *Generator
	generations int

	cache *idRing
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	cacheSize int
	genOpts   []Option
}

// WithCacheSize sets how many issued IDs are kept. Zero disables the cache.
func WithCacheSize(n int) ClientOption {
	return func(c *clientConfig) {
		if n >= 0 {
			c.cacheSize = n
		}
	}
}

// WithGeneratorOptions passes options to every generator the Client creates.
func WithGeneratorOptions(opts ...Option) ClientOption {
	return func(c *clientConfig) { c.genOpts = append(c.genOpts, opts...) }
}

// NewClient creates a Client with a live generator.
func NewClient(epoch, processID, workerSeed int64, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Client{
		epoch: epoch,
		opts:  cfg.genOpts,
		cache: newIDRing(cfg.cacheSize),
	}
	if err := c.Create(processID, workerSeed); err != nil {
		return nil, err
	}
	return c, nil
}

// Create starts a generator if none is live. It is a no-op otherwise.
func (c *Client) Create(processID, workerSeed int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.create(processID, workerSeed)
}

func (c *Client) create(processID, workerSeed int64) error {
	if c.gen != nil {
		return nil
	}
	gen, err := New(c.epoch, processID, workerSeed, c.opts...)
	if err != nil {
		return err
	}
	c.gen = gen
	c.generations++
	return nil
}

// Destroy drops the live generator, if any.
func (c *Client) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen = nil
}

// Renew replaces the live generator with a new one. If the new
// discriminators are invalid the old generator is kept.
func (c *Client) Renew(processID, workerSeed int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.gen
	c.gen = nil
	if err := c.create(processID, workerSeed); err != nil {
		c.gen = old
		return err
	}
	return nil
}

// Generate issues an ID from the live generator.
func (c *Client) Generate() (ID, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	if gen == nil {
		return Nil, ErrNoGenerator
	}
	id, err := gen.Next()
	if err != nil {
		return Nil, err
	}
	c.cache.add(id)
	return id, nil
}

// GenerateN issues n IDs from the live generator.
func (c *Client) GenerateN(n int) ([]ID, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	if gen == nil {
		return nil, ErrNoGenerator
	}
	ids, err := gen.NextN(n)
	for _, id := range ids {
		c.cache.add(id)
	}
	return ids, err
}

// ToTimestamp converts id using the Client's epoch.
func (c *Client) ToTimestamp(id ID, unit Unit) (int64, error) {
	return ToTimestamp(c.epoch, id, unit)
}

// Epoch returns the Client's epoch.
func (c *Client) Epoch() int64 { return c.epoch }

// Generator returns the live generator, or nil.
func (c *Client) Generator() *Generator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Live reports whether a generator is live.
func (c *Client) Live() bool {
	return c.Generator() != nil
}

// Generations returns how many generators the Client has created.
func (c *Client) Generations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations
}

// Issued returns the cached IDs in the order they were recorded.
func (c *Client) Issued() []ID {
	return c.cache.snapshot()
}

// idRing is a fixed-size buffer of the most recent IDs.
type idRing struct {
	mu   sync.Mutex
	buf  []ID
	next int
	full bool
}

func newIDRing(size int) *idRing {
	return &idRing{buf: make([]ID, size)}
}

func (r *idRing) add(id ID) {
	if len(r.buf) == 0 {
		return
	}
	r.mu.Lock()
	r.buf[r.next] = id
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *idRing) snapshot() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]ID(nil), r.buf[:r.next]...)
	}
	out := make([]ID, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
