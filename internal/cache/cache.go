// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package cache provides in-process key value cache with entries expiring after TTL.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Config defines configurable values for the cache.
type Config struct {
	Size int           `long:"size" description:"Max number of cached entries."`
	TTL  time.Duration `long:"ttl" description:"Time to live of cached entries."`
}

// Cache is a size bounded cache of string values with per entry TTL.
type Cache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, string]
}

// New is a constructor for Cache.
func New(config Config) *Cache {
	return &Cache{
		lru: expirable.NewLRU[string, string](config.Size, nil, config.TTL),
	}
}

// Get returns not expired value of the key.
func (c *Cache) Get(key string) (string, bool) {
	return c.lru.Get(key)
}

// SetNX stores value only if the key is absent or expired.
// Returns true if the value was stored.
func (c *Cache) SetNX(key, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lru.Get(key); ok {
		return false
	}

	c.lru.Add(key, value)

	return true
}

// Delete removes the key.
func (c *Cache) Delete(key string) {
	c.lru.Remove(key)
}
