// Package layergraph builds the reference-counted layer graph described in
// spec.md §4.2 (C2) and answers the freed-space queries the deletion
// orchestrator and candidate reports depend on. It is grounded in the
// teacher's archive.ImageBlobGatherer (gathering a single image's blob
// digests from its manifest) generalized into a graph shared across every
// image in the analysis scope, with reference counting layered on top.
package layergraph

import (
	"context"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/log"
)

const buildcacheTag = "buildcache"

// ManifestInspector is the seam onto the registry client the graph builder
// needs: list every tag under a repository, then inspect each one.
type ManifestInspector interface {
	ListTags(ctx context.Context, repository string) ([]string, error)
	Inspect(ctx context.Context, repository, tag string) (digest string, layers []LayerSize, err error)
}

// LayerSize is one layer's digest and size as reported by an inspected
// manifest.
type LayerSize struct {
	Digest string
	Size   int64
}

// RepositorySpec tells the builder which repository backs each image type.
type RepositorySpec struct {
	ImageType  v1.ImageType
	Repository string
}

// Graph is the built `{layer -> (size, ref_count)}` and `{image -> [layer...]}`
// structure. It is immutable after Build returns; readers are lock-free.
type Graph struct {
	images map[v1.ImageKey]*v1.Image
	layers map[string]*v1.Layer
}

// Build inspects every tag in the given repositories concurrently (up to
// workers at a time) and returns the resulting graph. allowList, if
// non-empty, restricts inspection to tags whose bare ObjectID prefix
// (before the first '-') appears in the list; an empty allowList inspects
// everything. The internal "buildcache" tag is always skipped.
func Build(ctx context.Context, inspector ManifestInspector, repos []RepositorySpec, workers int, allowList []string, logger log.Logger) (*Graph, error) {
	if workers < 1 {
		workers = 1
	}
	allowed := map[string]bool{}
	for _, id := range allowList {
		allowed[id] = true
	}

	g := &Graph{
		images: map[v1.ImageKey]*v1.Image{},
		layers: map[string]*v1.Layer{},
	}
	var mu sync.Mutex

	for _, repo := range repos {
		tags, err := inspector.ListTags(ctx, repo.Repository)
		if err != nil {
			return nil, err
		}

		toInspect := make([]string, 0, len(tags))
		for _, tag := range tags {
			if tag == buildcacheTag {
				continue
			}
			if len(allowed) > 0 && !tagAllowed(tag, allowed) {
				continue
			}
			toInspect = append(toInspect, tag)
		}

		eg, egCtx := errgroup.WithContext(ctx)
		sem := make(chan struct{}, workers)
		for _, tag := range toInspect {
			tag := tag
			sem <- struct{}{}
			eg.Go(func() error {
				defer func() { <-sem }()
				digest, layers, err := inspector.Inspect(egCtx, repo.Repository, tag)
				if err != nil {
					logger.Warn("skipping %s/%s after inspect failure: %v", repo.Repository, tag, err)
					return nil // a single unreadable tag should not abort the whole build
				}
				key := v1.ImageKey{Type: repo.ImageType, Tag: tag}
				layerDigests := make([]string, 0, len(layers))

				mu.Lock()
				seen := map[string]bool{}
				for _, l := range layers {
					layerDigests = append(layerDigests, l.Digest)
					if seen[l.Digest] {
						continue // RefCount counts images, not repeated entries within one image
					}
					seen[l.Digest] = true
					if existing, ok := g.layers[l.Digest]; ok {
						existing.RefCount++
					} else {
						g.layers[l.Digest] = &v1.Layer{Digest: l.Digest, SizeBytes: l.Size, RefCount: 1}
					}
				}
				g.images[key] = &v1.Image{Key: key, Digest: digest, Layers: layerDigests}
				mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func tagAllowed(tag string, allowed map[string]bool) bool {
	for id := range allowed {
		if tag == id || (len(tag) > len(id) && tag[:len(id)+1] == id+"-") {
			return true
		}
	}
	return false
}

// Images returns a defensive copy of every image in the graph.
func (g *Graph) Images() []v1.Image {
	out := make([]v1.Image, 0, len(g.images))
	for _, img := range g.images {
		out = append(out, *img)
	}
	return out
}

// Image looks up a single image by key.
func (g *Graph) Image(key v1.ImageKey) (v1.Image, bool) {
	img, ok := g.images[key]
	if !ok {
		return v1.Image{}, false
	}
	return *img, true
}

// Layer looks up a layer by digest.
func (g *Graph) Layer(digest string) (v1.Layer, bool) {
	l, ok := g.layers[digest]
	if !ok {
		return v1.Layer{}, false
	}
	return *l, true
}

// TotalSize returns the sum of layer sizes for an image, including layers
// shared with other images.
func (g *Graph) TotalSize(key v1.ImageKey) int64 {
	img, ok := g.images[key]
	if !ok {
		return 0
	}
	var total int64
	for _, d := range img.Layers {
		if l, ok := g.layers[d]; ok {
			total += l.SizeBytes
		}
	}
	return total
}

// FreedSpaceIfDeleted computes the bytes that would be reclaimed if every
// image in keys were deleted, accounting for layers still referenced by
// images outside keys. keys is deduplicated internally by (image_type, tag)
// before computing delete_count — per spec.md §4.2's critical tie-break,
// skipping this step can make delete_count exceed ref_count and silently
// yield zero freed bytes.
func (g *Graph) FreedSpaceIfDeleted(keys []v1.ImageKey) int64 {
	dedup := map[v1.ImageKey]bool{}
	for _, k := range keys {
		dedup[k] = true
	}

	deleteCount := map[string]int{}
	for k := range dedup {
		img, ok := g.images[k]
		if !ok {
			continue
		}
		seen := map[string]bool{}
		for _, d := range img.Layers {
			if seen[d] {
				continue
			}
			seen[d] = true
			deleteCount[d]++
		}
	}

	var freed int64
	for digest, count := range deleteCount {
		layer, ok := g.layers[digest]
		if !ok {
			continue
		}
		if count == layer.RefCount {
			freed += layer.SizeBytes
		}
	}
	return freed
}

// ImageSizeReport is one row of the largest-images report (supplemented
// from original_source/python's image_data_analysis.py).
type ImageSizeReport struct {
	Key           v1.ImageKey
	TotalSize     int64
	ExclusiveSize int64
}

// TopImagesByExclusiveSize ranks every image by the space that would be
// freed if it alone were deleted (its exclusive size), descending, and
// returns the first n.
func (g *Graph) TopImagesByExclusiveSize(n int) []ImageSizeReport {
	reports := make([]ImageSizeReport, 0, len(g.images))
	for key := range g.images {
		reports = append(reports, ImageSizeReport{
			Key:           key,
			TotalSize:     g.TotalSize(key),
			ExclusiveSize: g.FreedSpaceIfDeleted([]v1.ImageKey{key}),
		})
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].ExclusiveSize != reports[j].ExclusiveSize {
			return reports[i].ExclusiveSize > reports[j].ExclusiveSize
		}
		return reports[i].Key.Tag < reports[j].Key.Tag
	})
	if n >= 0 && n < len(reports) {
		reports = reports[:n]
	}
	return reports
}

// SizeByOwner groups total image size by owner, for images whose tag
// resolves to a known owner in ownerByTag. Images with no resolved owner
// are grouped under the empty string key. Supplemented from
// original_source/python's user_size_report.py.
func (g *Graph) SizeByOwner(ownerByTag map[string]string) map[string]int64 {
	out := map[string]int64{}
	for key := range g.images {
		owner := ownerByTag[key.Tag]
		out[owner] += g.TotalSize(key)
	}
	return out
}

// BytesToGB converts bytes to a 2-decimal-place GB figure for reporting.
// Internal arithmetic (freed-space computation) always stays integer; this
// conversion is only for human-readable output.
func BytesToGB(bytes int64) float64 {
	const gb = 1e9
	return math.Round(float64(bytes)/gb*100) / 100
}
