package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheSizer reports the number of cached flags for a project.
type CacheSizer interface {
	Len(projectID string) int
}

type cacheCollector struct {
	cache    CacheSizer
	projects []string
	size     *prometheus.Desc
}

// RegisterCacheMetrics registers a gauge that reports the live cache size of
// every project on each scrape.
func RegisterCacheMetrics(reg prometheus.Registerer, cache CacheSizer, projects []string) {
	reg.MustRegister(&cacheCollector{
		cache:    cache,
		projects: append([]string(nil), projects...),
		size: prometheus.NewDesc(
			"unchain_cache_size",
			"Number of flags in the in-memory cache.",
			[]string{"project_id"}, nil,
		),
	})
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	for _, project := range c.projects {
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(c.cache.Len(project)), project)
	}
}
