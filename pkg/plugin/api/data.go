package api

import (
	"context"
	"fmt"

	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
)

// DataAPI is the permission-gated host data plane: products, posts,
// analytics, and platform records. Read and write sides are gated by
// separate capabilities, checked on every call.
type DataAPI struct {
	pluginID  string
	checker   *security.Checker
	products  ProductService
	posts     PostService
	analytics AnalyticsService
	platform  PlatformService
}

func newDataAPI(pluginID string, checker *security.Checker, host Host) *DataAPI {
	return &DataAPI{
		pluginID:  pluginID,
		checker:   checker,
		products:  host,
		posts:     host,
		analytics: host,
		platform:  host,
	}
}

// GetProducts lists products matching the query.
func (a *DataAPI) GetProducts(ctx context.Context, query map[string]any) ([]map[string]any, error) {
	if err := a.checker.Require(security.CapabilityReadProducts, "getProducts"); err != nil {
		return nil, err
	}
	return a.products.GetProducts(ctx, query)
}

// GetProduct fetches one product by id.
func (a *DataAPI) GetProduct(ctx context.Context, id string) (map[string]any, error) {
	if err := a.checker.Require(security.CapabilityReadProducts, "getProduct"); err != nil {
		return nil, err
	}
	return a.products.GetProduct(ctx, id)
}

// UpdateProduct applies field changes to one product.
func (a *DataAPI) UpdateProduct(ctx context.Context, id string, fields map[string]any) (map[string]any, error) {
	if err := a.checker.Require(security.CapabilityWriteProducts, "updateProduct"); err != nil {
		return nil, err
	}
	return a.products.UpdateProduct(ctx, id, fields)
}

// GetPosts lists posts matching the query.
func (a *DataAPI) GetPosts(ctx context.Context, query map[string]any) ([]map[string]any, error) {
	if err := a.checker.Require(security.CapabilityReadPosts, "getPosts"); err != nil {
		return nil, err
	}
	return a.posts.GetPosts(ctx, query)
}

// GetPost fetches one post by id.
func (a *DataAPI) GetPost(ctx context.Context, id string) (map[string]any, error) {
	if err := a.checker.Require(security.CapabilityReadPosts, "getPost"); err != nil {
		return nil, err
	}
	return a.posts.GetPost(ctx, id)
}

// CreatePost creates a post and returns the stored record.
func (a *DataAPI) CreatePost(ctx context.Context, fields map[string]any) (map[string]any, error) {
	if err := a.checker.Require(security.CapabilityWritePosts, "createPost"); err != nil {
		return nil, err
	}
	return a.posts.CreatePost(ctx, fields)
}

// UpdatePost applies field changes to one post.
func (a *DataAPI) UpdatePost(ctx context.Context, id string, fields map[string]any) (map[string]any, error) {
	if err := a.checker.Require(security.CapabilityWritePosts, "updatePost"); err != nil {
		return nil, err
	}
	return a.posts.UpdatePost(ctx, id, fields)
}

// GetAnalytics runs an analytics query.
func (a *DataAPI) GetAnalytics(ctx context.Context, query map[string]any) (map[string]any, error) {
	if err := a.checker.Require(security.CapabilityReadAnalytics, "getAnalytics"); err != nil {
		return nil, err
	}
	return a.analytics.GetAnalytics(ctx, query)
}

// TrackEvent records one analytics event.
func (a *DataAPI) TrackEvent(ctx context.Context, name string, props map[string]any) error {
	if err := a.checker.Require(security.CapabilityWriteAnalytics, "trackEvent"); err != nil {
		return err
	}
	return a.analytics.TrackEvent(ctx, name, props)
}

// GetTenant returns the tenant record the plugin runs under.
func (a *DataAPI) GetTenant(ctx context.Context) (map[string]any, error) {
	if err := a.checker.Require(security.CapabilityReadSettings, "getTenant"); err != nil {
		return nil, err
	}
	return a.platform.GetTenant(ctx)
}

// GetSettings returns the platform settings visible to plugins.
func (a *DataAPI) GetSettings(ctx context.Context) (map[string]any, error) {
	if err := a.checker.Require(security.CapabilityReadSettings, "getSettings"); err != nil {
		return nil, err
	}
	return a.platform.GetSettings(ctx)
}

func (a *DataAPI) installLua(L *glua.LState, b *lua.Bridge) glua.LValue {
	t := L.NewTable()

	L.SetField(t, "getProducts", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		records, err := a.GetProducts(ctx, optionalMap(args, 0))
		return recordsToAny(records), err
	})))
	L.SetField(t, "getProduct", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		id, err := requireString(args, 0, "product id")
		if err != nil {
			return nil, err
		}
		record, err := a.GetProduct(ctx, id)
		return anyRecord(record), err
	})))
	L.SetField(t, "updateProduct", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		id, err := requireString(args, 0, "product id")
		if err != nil {
			return nil, err
		}
		fields, ok := argMap(args, 1)
		if !ok {
			return nil, fmt.Errorf("updateProduct wants a field table")
		}
		record, err := a.UpdateProduct(ctx, id, fields)
		return anyRecord(record), err
	})))

	L.SetField(t, "getPosts", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		records, err := a.GetPosts(ctx, optionalMap(args, 0))
		return recordsToAny(records), err
	})))
	L.SetField(t, "getPost", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		id, err := requireString(args, 0, "post id")
		if err != nil {
			return nil, err
		}
		record, err := a.GetPost(ctx, id)
		return anyRecord(record), err
	})))
	L.SetField(t, "createPost", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		fields, ok := argMap(args, 0)
		if !ok {
			return nil, fmt.Errorf("createPost wants a field table")
		}
		record, err := a.CreatePost(ctx, fields)
		return anyRecord(record), err
	})))
	L.SetField(t, "updatePost", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		id, err := requireString(args, 0, "post id")
		if err != nil {
			return nil, err
		}
		fields, ok := argMap(args, 1)
		if !ok {
			return nil, fmt.Errorf("updatePost wants a field table")
		}
		record, err := a.UpdatePost(ctx, id, fields)
		return anyRecord(record), err
	})))

	L.SetField(t, "getAnalytics", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		record, err := a.GetAnalytics(ctx, optionalMap(args, 0))
		return anyRecord(record), err
	})))
	L.SetField(t, "trackEvent", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		name, err := requireString(args, 0, "event name")
		if err != nil {
			return nil, err
		}
		return nil, a.TrackEvent(ctx, name, optionalMap(args, 1))
	})))

	L.SetField(t, "getTenant", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		record, err := a.GetTenant(ctx)
		return anyRecord(record), err
	})))
	L.SetField(t, "getSettings", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		record, err := a.GetSettings(ctx)
		return anyRecord(record), err
	})))

	return t
}

// recordsToAny erases the record slice type so the bridge's conversion
// sees a plain value. A nil slice stays nil rather than becoming an
// empty table.
func recordsToAny(records []map[string]any) any {
	if records == nil {
		return nil
	}
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}

func anyRecord(record map[string]any) any {
	if record == nil {
		return nil
	}
	return record
}
