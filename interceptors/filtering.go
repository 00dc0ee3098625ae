package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/wlmreply/responder"
	"github.com/glimte/wlmreply/transport"
)

// RequestFilter decides whether a request reaches the handler
type RequestFilter interface {
	// ShouldProcess returns true if the request should be processed
	ShouldProcess(ctx context.Context, req *transport.Message) (bool, error)
}

// RequestFilterFunc is a function adapter for RequestFilter
type RequestFilterFunc func(ctx context.Context, req *transport.Message) (bool, error)

// ShouldProcess implements RequestFilter
func (f RequestFilterFunc) ShouldProcess(ctx context.Context, req *transport.Message) (bool, error) {
	return f(ctx, req)
}

// SkipBehavior defines what happens when a request is filtered out
type SkipBehavior int

const (
	// SkipSilently drops the request without a reply
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the request
	SkipWithError
	// SkipWithLog drops the request and logs it
	SkipWithLog
)

// FilteringInterceptor filters requests based on conditions
type FilteringInterceptor struct {
	filter       RequestFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter RequestFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, req *transport.Message, next responder.RequestHandler) (*transport.Message, error) {
	shouldProcess, err := i.filter.ShouldProcess(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return nil, fmt.Errorf("request filtered: id=%s", req.ID)
		case SkipWithLog:
			i.logger.Info("request filtered", "messageId", req.ID, "contentType", req.ContentType)
		}
		return nil, nil
	}

	return next(ctx, req)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter passes a request only when every filter passes it
type CompositeFilter struct {
	filters []RequestFilter
}

// NewCompositeFilter creates a filter that requires all filters to pass
func NewCompositeFilter(filters ...RequestFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements RequestFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, req *transport.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, req)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// ContentTypeFilter passes requests with one of the allowed content types
type ContentTypeFilter struct {
	allowed map[string]bool
}

// NewContentTypeFilter creates a content type filter
func NewContentTypeFilter(contentTypes ...string) *ContentTypeFilter {
	allowed := make(map[string]bool, len(contentTypes))
	for _, ct := range contentTypes {
		allowed[ct] = true
	}
	return &ContentTypeFilter{allowed: allowed}
}

// ShouldProcess implements RequestFilter
func (f *ContentTypeFilter) ShouldProcess(ctx context.Context, req *transport.Message) (bool, error) {
	return f.allowed[req.ContentType], nil
}

// RequiresReplyTo passes only requests that name a reply destination
var RequiresReplyTo = RequestFilterFunc(func(ctx context.Context, req *transport.Message) (bool, error) {
	return req.ReplyTo != nil && !req.ReplyTo.IsZero(), nil
})
