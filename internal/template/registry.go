// Package template parses, stores, and applies tenant field-schema
// templates.
package template

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/types"
)

// Registry manages the template lifecycle: upload, lookup, list, tombstone.
// Parsed templates are cached; the cache is invalidated on upload and
// delete.
type Registry struct {
	store   recordstore.Storage
	objects objectstore.Store
	log     *zap.Logger

	mu    sync.RWMutex
	cache map[string]*types.Template
}

// NewRegistry builds a template registry over the record and object stores.
func NewRegistry(store recordstore.Storage, objects objectstore.Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:   store,
		objects: objects,
		log:     log,
		cache:   map[string]*types.Template{},
	}
}

// Upload parses a workbook, persists the original bytes and the parsed
// schema, and returns the new template. Templates are immutable once
// created.
func (r *Registry) Upload(ctx context.Context, data []byte, tenantID, name string) (*types.Template, error) {
	if name == "" {
		return nil, fmt.Errorf("template name must not be empty")
	}
	fields, err := ParseWorkbook(data)
	if err != nil {
		return nil, err
	}

	tpl := &types.Template{
		TemplateID: uuid.NewString(),
		TenantID:   tenantID,
		Name:       name,
		Fields:     fields,
		CreatedAt:  time.Now().UTC(),
	}

	key := objectstore.TemplatePath(tenantID, tpl.TemplateID)
	if err := r.objects.Put(ctx, key, data, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"); err != nil {
		return nil, fmt.Errorf("storing template workbook: %w", err)
	}
	if err := r.store.InsertTemplate(ctx, tpl); err != nil {
		// best-effort cleanup of the orphaned workbook
		_ = r.objects.Delete(ctx, key)
		return nil, err
	}

	r.mu.Lock()
	r.cache[tpl.TemplateID] = tpl
	r.mu.Unlock()

	r.log.Info("template uploaded",
		zap.String("template_id", tpl.TemplateID),
		zap.String("tenant_id", tenantID),
		zap.Int("fields", len(fields)))
	return tpl, nil
}

// Get returns a template by id, serving from cache when possible.
// Tombstoned templates still resolve so record references stay valid.
func (r *Registry) Get(ctx context.Context, templateID string) (*types.Template, error) {
	r.mu.RLock()
	tpl, ok := r.cache[templateID]
	r.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	tpl, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[templateID] = tpl
	r.mu.Unlock()
	return tpl, nil
}

// List returns a tenant's live templates.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*types.Template, error) {
	return r.store.ListTemplates(ctx, tenantID)
}

// Delete tombstones a template and drops it from the cache. The stored
// workbook and existing record references are preserved.
func (r *Registry) Delete(ctx context.Context, templateID string) error {
	if err := r.store.TombstoneTemplate(ctx, templateID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, templateID)
	r.mu.Unlock()
	r.log.Info("template tombstoned", zap.String("template_id", templateID))
	return nil
}
