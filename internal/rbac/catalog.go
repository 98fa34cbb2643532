package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"qazna.org/console/internal/auth"
)

// Catalog is the closed set of permissions roles may reference.
type Catalog struct {
	byCode  map[string]auth.Permission
	ordered []auth.Permission
}

// NewCatalog indexes perms. Codes must be unique and every permission needs a module.
func NewCatalog(perms []auth.Permission) (*Catalog, error) {
	c := &Catalog{byCode: make(map[string]auth.Permission, len(perms))}
	for _, p := range perms {
		if strings.TrimSpace(p.Code) == "" {
			return nil, fmt.Errorf("%w: permission %d has no code", auth.ErrInvalidInput, p.ID)
		}
		if strings.TrimSpace(p.Module) == "" {
			return nil, fmt.Errorf("%w: permission %s has no module", auth.ErrInvalidInput, p.Code)
		}
		if _, dup := c.byCode[p.Code]; dup {
			return nil, fmt.Errorf("%w: duplicate permission code %s", auth.ErrInvalidInput, p.Code)
		}
		c.byCode[p.Code] = p
		c.ordered = append(c.ordered, p)
	}
	sort.SliceStable(c.ordered, func(i, j int) bool { return c.ordered[i].ID < c.ordered[j].ID })
	return c, nil
}

// Permissions returns the catalog in ID order.
func (c *Catalog) Permissions() []auth.Permission {
	out := make([]auth.Permission, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Lookup finds a permission by code.
func (c *Catalog) Lookup(code string) (auth.Permission, bool) {
	p, ok := c.byCode[code]
	return p, ok
}

// Resolve maps codes to catalog entries, deduplicated and in ID order. Any code outside
// the catalog fails the whole call with UnknownPermissionCode.
func (c *Catalog) Resolve(codes []string) ([]auth.Permission, error) {
	seen := make(map[string]struct{}, len(codes))
	var (
		out     []auth.Permission
		unknown []string
	)
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		p, ok := c.byCode[code]
		if !ok {
			unknown = append(unknown, code)
			continue
		}
		out = append(out, p)
	}
	if len(unknown) > 0 {
		return nil, auth.Invalid(auth.ErrUnknownPermissionCode, "%s", strings.Join(unknown, ", "))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CatalogSource loads the permission catalog.
type CatalogSource interface {
	Permissions(ctx context.Context) ([]auth.Permission, error)
}

const catalogCacheKey = "catalog"

// Resolver answers permission questions against a cached catalog.
type Resolver struct {
	source CatalogSource
	cache  *cache.Cache
}

// NewResolver caches the catalog loaded from source for ttl.
func NewResolver(source CatalogSource, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{source: source, cache: cache.New(ttl, 2*ttl)}
}

// Catalog returns the cached catalog, loading it on a miss.
func (r *Resolver) Catalog(ctx context.Context) (*Catalog, error) {
	if v, ok := r.cache.Get(catalogCacheKey); ok {
		return v.(*Catalog), nil
	}
	perms, err := r.source.Permissions(ctx)
	if err != nil {
		return nil, err
	}
	c, err := NewCatalog(perms)
	if err != nil {
		return nil, err
	}
	r.cache.Set(catalogCacheKey, c, cache.DefaultExpiration)
	return c, nil
}

// Grouped returns the catalog grouped by module.
func (r *Resolver) Grouped(ctx context.Context) ([]ModuleGroup, error) {
	c, err := r.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return GroupByModule(c.ordered), nil
}

// Can is HasPermission; it never consults the catalog.
func (r *Resolver) Can(p auth.Principal, code string) bool {
	return HasPermission(p, code)
}

// Invalidate drops the cached catalog.
func (r *Resolver) Invalidate() {
	r.cache.Delete(catalogCacheKey)
}
