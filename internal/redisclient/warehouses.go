package redisclient

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

const warehouseGeoKey = "warehouses:geo"

// WarehouseLocator resolves a coordinate to the nearest registered
// warehouse within a fixed radius.
type WarehouseLocator struct {
	rdb      *redis.Client
	radiusKM float64
}

// Warehouses returns a locator sharing the client's connection pool.
func (c *Client) Warehouses(radiusKM float64) *WarehouseLocator {
	return &WarehouseLocator{rdb: c.rdb, radiusKM: radiusKM}
}

// Register stores or moves a warehouse position.
func (l *WarehouseLocator) Register(ctx context.Context, warehouseID int64, lat, lng float64) error {
	return l.rdb.GeoAdd(ctx, warehouseGeoKey, &redis.GeoLocation{
		Name:      strconv.FormatInt(warehouseID, 10),
		Latitude:  lat,
		Longitude: lng,
	}).Err()
}

// Remove takes a warehouse out of resolution.
func (l *WarehouseLocator) Remove(ctx context.Context, warehouseID int64) error {
	return l.rdb.ZRem(ctx, warehouseGeoKey, strconv.FormatInt(warehouseID, 10)).Err()
}

// Resolve returns the closest warehouse, or ok=false when none serves the point.
func (l *WarehouseLocator) Resolve(ctx context.Context, lat, lng float64) (warehouseID int64, ok bool, err error) {
	locs, err := l.rdb.GeoRadius(ctx, warehouseGeoKey, lng, lat, &redis.GeoRadiusQuery{
		Radius: l.radiusKM,
		Unit:   "km",
		Sort:   "ASC",
		Count:  1,
	}).Result()
	if err != nil {
		return 0, false, fmt.Errorf("resolve warehouse: %w", err)
	}
	if len(locs) == 0 {
		return 0, false, nil
	}

	id, err := strconv.ParseInt(locs[0].Name, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("resolve warehouse: bad member %q: %w", locs[0].Name, err)
	}
	return id, true, nil
}
