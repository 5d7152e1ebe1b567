// Package handler serves market data and operator endpoints.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/newthinker/quotegate/internal/api/response"
	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/resolver"
	"github.com/newthinker/quotegate/internal/serializer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Response headers describing how the data was obtained.
const (
	HeaderCacheStatus = "X-Cache-Status"
	HeaderDataSource  = "X-Data-Source"
)

const (
	maxBatchSymbols = 25
	batchWorkers    = 4
)

// Resolver resolves one resource.
type Resolver interface {
	Resolve(ctx context.Context, key core.ResourceKey) (resolver.Result, error)
}

// DataHandler serves quotes, dividends and history.
type DataHandler struct {
	resolver Resolver
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDataHandler creates a data handler. A zero timeout leaves request
// deadlines to the server.
func NewDataHandler(r Resolver, timeout time.Duration, logger *zap.Logger) *DataHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataHandler{resolver: r, timeout: timeout, logger: logger}
}

// Quote handles GET /api/v1/quote/{symbol}
func (h *DataHandler) Quote(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, core.KindQuote)
}

// Dividends handles GET /api/v1/dividends/{symbol}
func (h *DataHandler) Dividends(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, core.KindDividends)
}

// History handles GET /api/v1/history/{symbol}?range=
func (h *DataHandler) History(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, core.KindHistory)
}

// CacheStatus maps a resolution source to the X-Cache-Status value.
func CacheStatus(s resolver.Source) string {
	switch s {
	case resolver.SourceCacheFresh:
		return "HIT"
	case resolver.SourceCacheStale:
		return "STALE"
	default:
		return "MISS"
	}
}

func meta(res resolver.Result) serializer.Meta {
	m := serializer.Meta{
		Timestamp:   time.Now().UTC(),
		Source:      string(res.Source),
		CacheStatus: CacheStatus(res.Source),
	}
	if !res.FetchedAt.IsZero() {
		t := res.FetchedAt.UTC()
		m.FetchedAt = &t
	}
	return m
}

func (h *DataHandler) serve(w http.ResponseWriter, r *http.Request, kind core.Kind) {
	q := r.URL.Query()
	format, err := serializer.ParseFormat(q.Get("format"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, err)
		return
	}
	key, err := core.NewResourceKey(kind, r.PathValue("symbol"), q.Get("range"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	res, err := h.resolver.Resolve(ctx, key)
	if err != nil {
		h.resolveFailed(w, r, key.String(), err)
		return
	}

	var body []byte
	if format == serializer.FormatCSV {
		body, err = serializer.ToCSV([]core.Record{res.Record})
	} else {
		body, err = serializer.ToJSON(res.Record, meta(res))
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set(HeaderCacheStatus, CacheStatus(res.Source))
	w.Header().Set(HeaderDataSource, string(res.Source))
	response.Raw(w, http.StatusOK, format.ContentType(), body)
}

// Quotes handles GET /api/v1/quotes?symbols=A,B[&kind=quote]
func (h *DataHandler) Quotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := serializer.ParseFormat(q.Get("format"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, err)
		return
	}
	kind := core.KindQuote
	if k := q.Get("kind"); k != "" {
		kind = core.Kind(strings.ToLower(k))
	}

	keys, err := batchKeys(kind, q.Get("symbols"), q.Get("range"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	results := make([]resolver.Result, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchWorkers)
	for i, key := range keys {
		g.Go(func() error {
			res, err := h.resolver.Resolve(gctx, key)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.resolveFailed(w, r, "batch", err)
		return
	}

	var body []byte
	if format == serializer.FormatCSV {
		records := make([]core.Record, len(results))
		for i, res := range results {
			records[i] = res.Record
		}
		body, err = serializer.ToCSV(records)
	} else {
		items := make([]serializer.Item, len(results))
		for i, res := range results {
			items[i] = serializer.Item{Record: res.Record, Meta: meta(res)}
		}
		body, err = serializer.ToJSONBatch(items, time.Now())
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set(HeaderCacheStatus, batchStatus(results))
	response.Raw(w, http.StatusOK, format.ContentType(), body)
}

// batchKeys parses a comma separated symbol list, dropping duplicates.
func batchKeys(kind core.Kind, symbols, rng string) ([]core.ResourceKey, error) {
	var keys []core.ResourceKey
	seen := make(map[string]bool)
	for _, s := range strings.Split(symbols, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		key, err := core.NewResourceKey(kind, s, rng)
		if err != nil {
			return nil, err
		}
		if seen[key.String()] {
			continue
		}
		seen[key.String()] = true
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, core.WrapError(core.ErrSymbolInvalid, errors.New("symbols parameter is required"))
	}
	if len(keys) > maxBatchSymbols {
		return nil, core.WrapError(core.ErrSymbolInvalid, fmt.Errorf("at most %d symbols per request", maxBatchSymbols))
	}
	return keys, nil
}

// batchStatus is HIT when every record was fresh, STALE when any was stale.
func batchStatus(results []resolver.Result) string {
	status := "HIT"
	for _, res := range results {
		switch CacheStatus(res.Source) {
		case "STALE":
			return "STALE"
		case "MISS":
			status = "MISS"
		}
	}
	return status
}

func (h *DataHandler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(r.Context(), h.timeout)
	}
	return context.WithCancel(r.Context())
}

// resolveFailed handles a resolution that returned no record. Deadlines
// degrade inside the resolver, so this is normally a departed client, which
// gets no response. Causes are logged, never sent.
func (h *DataHandler) resolveFailed(w http.ResponseWriter, r *http.Request, key string, err error) {
	if r.Context().Err() != nil {
		h.logger.Debug("client went away", zap.String("key", key))
		return
	}
	h.logger.Error("resolution failed", zap.String("key", key), zap.Error(err))
	response.Error(w, http.StatusServiceUnavailable, core.ErrProviderFailed)
}
