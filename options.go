package easyfs

// Option configures an EFS at Create/Open time.
type Option func(*efsConfig)

type efsConfig struct {
	cacheLimit int
}

// WithCacheLimit overrides the default number of resident sectors kept by
// the shared block cache.
func WithCacheLimit(limit int) Option {
	return func(c *efsConfig) { c.cacheLimit = limit }
}

func newEFSConfig(opts []Option) efsConfig {
	c := efsConfig{cacheLimit: DefaultCacheLimit}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
