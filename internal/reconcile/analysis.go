// internal/reconcile/analysis.go
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"

	"geoportal-back/internal/models"
	"geoportal-back/internal/store"
)

// summarizeFiles computes the result bag for an analysis: file counts,
// sizes, a type histogram and the bounding box of the inputs' GPS points.
func summarizeFiles(ctx context.Context, catalog store.CatalogStore, a *models.Analysis) ([]byte, error) {
	files, err := catalog.GetFiles(ctx, a.InputFiles)
	if err != nil {
		return nil, err
	}

	var totalSize int64
	types := map[models.FileType]int{}
	var minLon, minLat, maxLon, maxLat float64
	located := 0
	for _, f := range files {
		totalSize += f.Size
		types[f.FileType]++
		lon, lat, perr := store.ParsePointWKT(f.Location)
		if perr != nil {
			continue
		}
		if located == 0 {
			minLon, maxLon, minLat, maxLat = lon, lon, lat, lat
		} else {
			if lon < minLon {
				minLon = lon
			}
			if lon > maxLon {
				maxLon = lon
			}
			if lat < minLat {
				minLat = lat
			}
			if lat > maxLat {
				maxLat = lat
			}
		}
		located++
	}

	summary := map[string]any{
		"analysis_type":    a.AnalysisType,
		"file_count":       len(files),
		"total_size_bytes": totalSize,
		"file_types":       types,
	}
	if located > 0 {
		summary["bounding_box"] = map[string]float64{
			"min_lon": minLon,
			"min_lat": minLat,
			"max_lon": maxLon,
			"max_lat": maxLat,
		}
	}
	return json.Marshal(summary)
}

// sha256Counter hashes a stream while counting bytes, so one pass over an
// engine artifact yields both checksum and size.
type sha256Counter struct {
	h hash.Hash
	n int64
}

func newSHA256Counter() *sha256Counter {
	return &sha256Counter{h: sha256.New()}
}

func (c *sha256Counter) Write(p []byte) (int, error) {
	n, err := c.h.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *sha256Counter) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

func (c *sha256Counter) Count() int64 { return c.n }
