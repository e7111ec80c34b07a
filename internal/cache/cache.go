// Package cache provides the flat-file read cache of last-known jobs and
// mitigation items.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fieldsync/core/internal/logging"
	"github.com/fieldsync/core/internal/models"
)

const (
	jobsFile  = "jobs.json"
	itemsFile = "mitigation_items.json"
)

// ReadCache holds upsert-by-id collections of jobs and mitigation items,
// persisted as JSON files under one directory. It is not authoritative:
// the sync engine is its only writer.
type ReadCache struct {
	mu    sync.RWMutex
	dir   string
	jobs  []models.Job
	items []models.MitigationItem
}

// New opens the cache in dir. Unreadable or corrupt files load as empty.
func New(dir string) (*ReadCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &ReadCache{dir: dir}
	if err := c.load(jobsFile, &c.jobs); err != nil {
		logging.Warn("Discarding unreadable job cache", map[string]interface{}{"error": err.Error()})
		c.jobs = nil
	}
	if err := c.load(itemsFile, &c.items); err != nil {
		logging.Warn("Discarding unreadable mitigation cache", map[string]interface{}{"error": err.Error()})
		c.items = nil
	}
	return c, nil
}

func (c *ReadCache) load(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// save writes v to name atomically. Callers hold c.mu.
func (c *ReadCache) save(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.dir, name+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(c.dir, name)); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

func (c *ReadCache) saveJobs() error  { return c.save(jobsFile, c.jobs) }
func (c *ReadCache) saveItems() error { return c.save(itemsFile, c.items) }

// Jobs returns a copy of every cached job.
func (c *ReadCache) Jobs() []models.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Job, len(c.jobs))
	copy(out, c.jobs)
	return out
}

// Job returns the cached job with id.
func (c *ReadCache) Job(id string) (models.Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, j := range c.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return models.Job{}, false
}

// MitigationItems returns the cached items of a job, or all items when
// jobID is empty.
func (c *ReadCache) MitigationItems(jobID string) []models.MitigationItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.MitigationItem
	for _, it := range c.items {
		if jobID == "" || it.JobID() == jobID {
			out = append(out, cloneItem(it))
		}
	}
	return out
}

// MitigationItem returns the cached item with id.
func (c *ReadCache) MitigationItem(id string) (models.MitigationItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, it := range c.items {
		if it.ID() == id {
			return cloneItem(it), true
		}
	}
	return models.MitigationItem{}, false
}

func cloneItem(it models.MitigationItem) models.MitigationItem {
	out := models.MitigationItem{EntityType: it.EntityType}
	if it.Hazard != nil {
		h := *it.Hazard
		out.Hazard = &h
	}
	if it.Control != nil {
		ctl := *it.Control
		out.Control = &ctl
	}
	return out
}

// UpsertJobs inserts or replaces jobs by id.
func (c *ReadCache) UpsertJobs(jobs ...models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	index := make(map[string]int, len(c.jobs))
	for i, j := range c.jobs {
		index[j.ID] = i
	}
	for _, j := range jobs {
		if i, ok := index[j.ID]; ok {
			c.jobs[i] = j
			continue
		}
		index[j.ID] = len(c.jobs)
		c.jobs = append(c.jobs, j)
	}
	return c.saveJobs()
}

// UpsertMitigationItems inserts or replaces items by id.
func (c *ReadCache) UpsertMitigationItems(items ...models.MitigationItem) error {
	if len(items) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	index := make(map[string]int, len(c.items))
	for i, it := range c.items {
		index[it.ID()] = i
	}
	for _, it := range items {
		it = cloneItem(it)
		if i, ok := index[it.ID()]; ok {
			c.items[i] = it
			continue
		}
		index[it.ID()] = len(c.items)
		c.items = append(c.items, it)
	}
	return c.saveItems()
}

// RemoveJobs evicts jobs and their mitigation items.
func (c *ReadCache) RemoveJobs(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	gone := toSet(ids)

	c.mu.Lock()
	defer c.mu.Unlock()

	jobs := c.jobs[:0]
	for _, j := range c.jobs {
		if !gone[j.ID] {
			jobs = append(jobs, j)
		}
	}
	c.jobs = jobs

	items := c.items[:0]
	for _, it := range c.items {
		if !gone[it.JobID()] {
			items = append(items, it)
		}
	}
	c.items = items

	if err := c.saveJobs(); err != nil {
		return err
	}
	return c.saveItems()
}

// RemoveMitigationItems evicts items by id. Removing a hazard also
// removes its controls.
func (c *ReadCache) RemoveMitigationItems(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	gone := toSet(ids)

	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.items[:0]
	for _, it := range c.items {
		if gone[it.ID()] {
			continue
		}
		if it.Control != nil && gone[it.Control.HazardID] {
			continue
		}
		items = append(items, it)
	}
	c.items = items
	return c.saveItems()
}

// RemapID replaces a temporary id with the server id on the entity and
// on every parent reference.
func (c *ReadCache) RemapID(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	jobsChanged := false
	for i := range c.jobs {
		if c.jobs[i].ID == oldID {
			c.jobs[i].ID = newID
			jobsChanged = true
		}
	}

	itemsChanged := false
	for i := range c.items {
		it := &c.items[i]
		if it.ID() == oldID {
			it.SetID(newID)
			itemsChanged = true
		}
		if it.JobID() == oldID || (it.Control != nil && it.Control.HazardID == oldID) {
			it.RemapParent(oldID, newID)
			itemsChanged = true
		}
	}

	if jobsChanged {
		if err := c.saveJobs(); err != nil {
			return err
		}
	}
	if itemsChanged {
		return c.saveItems()
	}
	return nil
}

// SetJobField overwrites one JSON field of a cached job. It reports
// whether the job was cached.
func (c *ReadCache) SetJobField(id, field string, value json.RawMessage) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, j := range c.jobs {
		if j.ID != id {
			continue
		}
		raw, err := json.Marshal(j)
		if err != nil {
			return true, err
		}
		patch, err := json.Marshal(map[string]json.RawMessage{field: value})
		if err != nil {
			return true, err
		}
		merged, err := models.MergeFields(raw, patch)
		if err != nil {
			return true, err
		}
		var updated models.Job
		if err := json.Unmarshal(merged, &updated); err != nil {
			return true, fmt.Errorf("field %s: %w", field, err)
		}
		c.jobs[i] = updated
		return true, c.saveJobs()
	}
	return false, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
