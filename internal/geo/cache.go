package geo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hurttlocker/pestmap/internal/coords"
	"github.com/hurttlocker/pestmap/internal/metrics"
)

// LocationEntry is a cached location name → point mapping. Region is the
// general region of the document the name came from, so the same name in
// documents about different regions never shares an entry.
type LocationEntry struct {
	Region string
	Name   string
	Point  coords.Point
}

// RegionEntry is a cached point → first-level region mapping.
type RegionEntry struct {
	Point  coords.Point
	Region string
}

type locationKey struct {
	region string
	name   string
}

// Cache memoizes location and region lookups. It is safe for concurrent use;
// concurrent misses on the same key share a single lookup.
type Cache struct {
	mu        sync.RWMutex
	locations map[locationKey]coords.Point
	regions   map[coords.Point]string
	inflight  singleflight.Group
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		locations: make(map[locationKey]coords.Point),
		regions:   make(map[coords.Point]string),
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Location returns the cached point for name within region.
func (c *Cache) Location(region, name string) (coords.Point, bool) {
	c.mu.RLock()
	p, ok := c.locations[locationKey{normalize(region), normalize(name)}]
	c.mu.RUnlock()
	metrics.RecordCacheLookup("location", ok)
	return p, ok
}

// SetLocation stores the point for name within region.
func (c *Cache) SetLocation(region, name string, p coords.Point) {
	c.mu.Lock()
	c.locations[locationKey{normalize(region), normalize(name)}] = p
	c.mu.Unlock()
}

// Region returns the cached region for p.
func (c *Cache) Region(p coords.Point) (string, bool) {
	c.mu.RLock()
	r, ok := c.regions[p]
	c.mu.RUnlock()
	metrics.RecordCacheLookup("region", ok)
	return r, ok
}

// SetRegion stores the region for p.
func (c *Cache) SetRegion(p coords.Point, region string) {
	c.mu.Lock()
	c.regions[p] = normalize(region)
	c.mu.Unlock()
}

// ResolveLocation returns the cached point for name within region, or calls
// resolve and caches its result. Failed lookups are not cached.
func (c *Cache) ResolveLocation(ctx context.Context, region, name string, resolve func(context.Context) (coords.Point, error)) (coords.Point, error) {
	if p, ok := c.Location(region, name); ok {
		return p, nil
	}
	key := "l\x00" + normalize(region) + "\x00" + normalize(name)
	v, err, _ := c.inflight.Do(key, func() (any, error) {
		if p, ok := c.Location(region, name); ok {
			return p, nil
		}
		p, err := resolve(ctx)
		if err != nil {
			return nil, err
		}
		c.SetLocation(region, name, p)
		return p, nil
	})
	if err != nil {
		return coords.Point{}, err
	}
	return v.(coords.Point), nil
}

// ResolveRegion returns the cached region for p, or calls resolve and caches its result.
func (c *Cache) ResolveRegion(ctx context.Context, p coords.Point, resolve func(context.Context) (string, error)) (string, error) {
	if r, ok := c.Region(p); ok {
		return r, nil
	}
	key := fmt.Sprintf("r\x00%v\x00%v", p.Lat, p.Lon)
	v, err, _ := c.inflight.Do(key, func() (any, error) {
		if r, ok := c.Region(p); ok {
			return r, nil
		}
		r, err := resolve(ctx)
		if err != nil {
			return nil, err
		}
		c.SetRegion(p, r)
		return normalize(r), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Snapshot copies every entry, for persistence.
func (c *Cache) Snapshot() ([]LocationEntry, []RegionEntry) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	locs := make([]LocationEntry, 0, len(c.locations))
	for k, p := range c.locations {
		locs = append(locs, LocationEntry{Region: k.region, Name: k.name, Point: p})
	}
	regs := make([]RegionEntry, 0, len(c.regions))
	for p, r := range c.regions {
		regs = append(regs, RegionEntry{Point: p, Region: r})
	}
	return locs, regs
}

// Load adds previously saved entries.
func (c *Cache) Load(locs []LocationEntry, regs []RegionEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range locs {
		c.locations[locationKey{normalize(e.Region), normalize(e.Name)}] = e.Point
	}
	for _, e := range regs {
		c.regions[e.Point] = normalize(e.Region)
	}
}

// Len returns the number of location and region entries.
func (c *Cache) Len() (locations, regions int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.locations), len(c.regions)
}
