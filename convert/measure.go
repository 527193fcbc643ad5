package convert

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ampc/amp"
	"ampc/config"
	"ampc/dimensions"
)

// measurer owns image resolution machinery of a run and hands out caches
// according to configured lifetime.
type measurer struct {
	cfg    *config.DimensionsConfig
	pool   *dimensions.Pool
	store  *dimensions.Store
	shared *dimensions.Cache
	log    *zap.Logger
}

func newMeasurer(cfg *config.DimensionsConfig, log *zap.Logger) (*measurer, error) {
	m := &measurer{cfg: cfg, log: log.Named("measure")}
	if !cfg.Enable {
		m.log.Debug("Image dimensions resolution is disabled")
		return m, nil
	}

	if len(cfg.Store) > 0 {
		store, err := dimensions.OpenStore(cfg.Store)
		if err != nil {
			return nil, err
		}
		m.store = store
	}
	m.pool = dimensions.NewPool(dimensions.NewResolver(cfg), cfg.Workers, cfg.Queue, log)
	if cfg.Lifetime == config.CacheLifetimeProcess {
		m.shared = dimensions.NewCache(m.pool, m.store, cfg.Timeout, log)
	}
	return m, nil
}

// forPage returns cache for the next page, nil when resolution is disabled.
func (m *measurer) forPage() *dimensions.Cache {
	switch {
	case m.pool == nil:
		return nil
	case m.shared != nil:
		return m.shared
	}
	return dimensions.NewCache(m.pool, m.store, m.cfg.Timeout, m.log)
}

// release ends use of page cache, caches living for a single page are
// dumped to the report.
func (m *measurer) release(c *dimensions.Cache, route string, rpt *config.Report) {
	if c == nil || c == m.shared || rpt == nil {
		return
	}
	if lines := c.Dump(); len(lines) > 0 {
		rpt.StoreData("dimensions/pages"+strings.TrimSuffix(route, "/")+".txt", []byte(strings.Join(lines, "\n")+"\n"))
	}
}

// Close stops workers and closes persistent store. Shared cache content is
// put into report.
func (m *measurer) Close(rpt *config.Report) (err error) {
	if m.shared != nil {
		m.log.Debug("Image dimensions resolved", zap.Int("entries", m.shared.Len()))
		rpt.StoreData("dimensions/cache.txt", []byte(strings.Join(m.shared.Dump(), "\n")+"\n"))
	}
	if m.pool != nil {
		m.pool.Close()
	}
	if m.store != nil {
		if er := m.store.Close(); er != nil {
			err = multierr.Append(err, fmt.Errorf("unable to close dimensions store: %w", er))
		}
	}
	return err
}

// sourceOf avoids passing typed nil as interface.
func sourceOf(c *dimensions.Cache) amp.DimensionSource {
	if c == nil {
		return nil
	}
	return c
}
