package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	manifestPushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bosun_manifest_pushes_total",
		Help: "Manifests accepted via the distribution API.",
	})
	manifestPulls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bosun_manifest_pulls_total",
		Help: "Manifests served via the distribution API.",
	})
	blobPulls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bosun_blob_pulls_total",
		Help: "Blobs served via the distribution API.",
	})
	gcDeletedObjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bosun_gc_deleted_objects_total",
		Help: "Objects reclaimed by the garbage collector.",
	}, []string{"kind"})
)
