package stockclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"github.com/eapache/go-resiliency/retrier"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	"github.com/vladislavdragonenkov/invoicesaga/internal/http/inventoryapi"
	"github.com/vladislavdragonenkov/invoicesaga/internal/metrics"
	"github.com/vladislavdragonenkov/invoicesaga/internal/version"
)

const (
	opBatchDecrement    = "batch_decrement"
	opCheckAvailability = "check_availability"

	maxErrorBody = 64 << 10
)

// Config описывает адрес склада и политики вызова.
type Config struct {
	BaseURL string
	// Timeout ограничивает вызов целиком, включая все повторы и паузы.
	Timeout time.Duration
	// AttemptTimeout ограничивает одну HTTP-попытку.
	AttemptTimeout time.Duration
	Retry          RetryConfig
	// BreakerErrorThreshold: число временных сбоев, после которого breaker открывается.
	BreakerErrorThreshold int
	// BreakerSuccessThreshold: число успехов в half-open, после которого breaker закрывается.
	BreakerSuccessThreshold int
	// BreakerCooldown: сколько breaker остаётся открытым до пробного вызова.
	BreakerCooldown time.Duration
}

// DefaultConfig возвращает политики по умолчанию.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:                 baseURL,
		Timeout:                 5 * time.Second,
		AttemptTimeout:          2 * time.Second,
		Retry:                   DefaultRetryConfig(),
		BreakerErrorThreshold:   5,
		BreakerSuccessThreshold: 1,
		BreakerCooldown:         10 * time.Second,
	}
}

// Client это устойчивый HTTP-клиент склада. Политики: общий таймаут, повторы, circuit breaker.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	cfg     Config
	retrier *retrier.Retrier
	breaker *consecutiveBreaker
	logger  *log.Entry
	metrics *metrics.ClientMetrics
	tracer  trace.Tracer
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет http.Client (в тестах: клиент httptest-сервера).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger задаёт логгер клиента.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics подключает метрики вызовов.
func WithMetrics(m *metrics.ClientMetrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New создаёт клиент склада.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse inventory base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("inventory base url must be absolute: %q", cfg.BaseURL)
	}

	defaults := DefaultConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = defaults.Retry
	}
	if cfg.BreakerErrorThreshold <= 0 {
		cfg.BreakerErrorThreshold = defaults.BreakerErrorThreshold
	}
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = defaults.BreakerSuccessThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaults.BreakerCooldown
	}

	c := &Client{
		baseURL: base,
		http:    &http.Client{},
		cfg:     cfg,
		retrier: retrier.New(cfg.Retry.Backoffs(), transientClassifier{}),
		breaker: newConsecutiveBreaker(cfg.BreakerErrorThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerCooldown),
		logger:  log.New().WithField("component", "stock-client"),
		tracer:  otel.Tracer("invoicesaga/stockclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BatchDecrement списывает батч на складе. batchKey уходит в Idempotency-Key,
// поэтому повтор после неоднозначного таймаута не списывает дважды.
func (c *Client) BatchDecrement(ctx context.Context, batchKey string, lines []domain.StockLine) ([]domain.StockLineResult, error) {
	body, err := json.Marshal(inventoryapi.NewBatchRequest(lines))
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	var results []domain.StockLineResult
	err = c.execute(ctx, opBatchDecrement, func(ctx context.Context) error {
		headers := http.Header{}
		if batchKey != "" {
			headers.Set(inventoryapi.HeaderIdempotencyKey, batchKey)
		}
		resp, err := c.do(ctx, http.MethodPost, inventoryapi.PathBatchDecrement, nil, headers, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var payload inventoryapi.BatchResponse
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return fmt.Errorf("decode batch response: %w", err)
			}
			results = payload.ToDomain()
			return nil
		case http.StatusConflict:
			var payload inventoryapi.InsufficientStockResponse
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return fmt.Errorf("decode conflict response: %w", err)
			}
			return &domain.InsufficientStockError{
				ProductID:      payload.ProductID,
				CurrentBalance: payload.CurrentBalance,
				Requested:      payload.Requested,
			}
		default:
			return decodeFailure(resp)
		}
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// CheckAvailability спрашивает склад, хватает ли остатка. Нехватка не считается ошибкой:
// возвращается Availability с Sufficient=false.
func (c *Client) CheckAvailability(ctx context.Context, productID, quantity int64) (domain.Availability, error) {
	query := url.Values{}
	query.Set("quantity", strconv.FormatInt(quantity, 10))

	var result domain.Availability
	err := c.execute(ctx, opCheckAvailability, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, inventoryapi.AvailabilityPath(productID), query, nil, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusConflict:
			var payload inventoryapi.AvailabilityResponse
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return fmt.Errorf("decode availability: %w", err)
			}
			result = domain.Availability{
				ProductID:  payload.ProductID,
				Balance:    payload.Balance,
				Requested:  payload.Requested,
				Sufficient: payload.Sufficient,
			}
			return nil
		default:
			return decodeFailure(resp)
		}
	})
	if err != nil {
		return domain.Availability{}, err
	}
	return result, nil
}

// execute проводит вызов через политики: общий таймаут, затем повторы,
// внутри каждой попытки: circuit breaker. Breaker видит только временные сбои.
func (c *Client) execute(ctx context.Context, op string, attempt func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "stockclient."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("stock.operation", op)),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		outcome  error
		attempts int
	)
	err := c.retrier.RunCtx(callCtx, func(callCtx context.Context) error {
		attempts++
		outcome = nil
		return c.breaker.Run(func() error {
			attemptCtx, cancelAttempt := context.WithTimeout(callCtx, c.cfg.AttemptTimeout)
			defer cancelAttempt()

			err := attempt(attemptCtx)
			switch {
			case err == nil:
				c.recordAttempt(op, "ok")
				return nil
			case ctx.Err() != nil:
				// Вызывающий отменил запрос: это не сбой склада.
				outcome = err
				c.recordAttempt(op, "canceled")
				return nil
			case isTransient(err):
				c.recordAttempt(op, "transient")
				c.logger.WithFields(log.Fields{
					"operation": op,
					"attempt":   attempts,
					"error":     err,
				}).Warn("Inventory call failed, will retry if attempts remain")
				return err
			default:
				c.recordAttempt(op, "rejected")
				outcome = err
				return nil
			}
		})
	})

	result := c.mapFailure(ctx, callCtx, err, outcome)
	c.recordCall(op, result)
	span.SetAttributes(attribute.Int("stock.attempts", attempts))
	if result != nil {
		span.RecordError(result)
		if domain.Classify(result) == domain.OutcomeUnavailable {
			span.SetStatus(codes.Error, result.Error())
		}
	}
	return result
}

func (c *Client) mapFailure(ctx, callCtx context.Context, err, outcome error) error {
	switch {
	case err == nil && outcome == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", domain.ErrDependencyUnavailable, ctx.Err())
	case err == nil:
		return outcome
	case errors.Is(err, breaker.ErrBreakerOpen):
		c.logger.Warn("Inventory circuit breaker is open, failing fast")
		return domain.ErrCircuitOpen
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		c.logger.WithField("timeout", c.cfg.Timeout).Error("Inventory call timed out")
		return fmt.Errorf("%w after %s", domain.ErrDependencyTimeout, c.cfg.Timeout)
	default:
		c.logger.WithFields(log.Fields{
			"max_attempts": c.cfg.Retry.MaxAttempts,
			"error":        err,
		}).Error("Inventory call failed after all retry attempts")
		return fmt.Errorf("%w: %v", domain.ErrDependencyUnavailable, err)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers http.Header, body []byte) (*http.Response, error) {
	target := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(inventoryapi.HeaderRequestID, uuid.NewString())
	req.Header.Set("User-Agent", version.UserAgent("billing"))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, transient(fmt.Errorf("%s %s: inventory responded %d", method, path, resp.StatusCode))
	}
	return resp, nil
}

// decodeFailure переводит ответ 4xx в доменную ошибку.
func decodeFailure(resp *http.Response) error {
	var payload inventoryapi.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&payload)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return domain.ErrProductNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if payload.Message != "" {
			return fmt.Errorf("%w: %s", domain.ErrValidation, payload.Message)
		}
		return domain.ErrValidation
	default:
		return fmt.Errorf("inventory responded %d: %s", resp.StatusCode, payload.Error)
	}
}

func (c *Client) recordAttempt(op, result string) {
	if c.metrics != nil {
		c.metrics.RecordAttempt(op, result)
	}
}

func (c *Client) recordCall(op string, err error) {
	if c.metrics != nil {
		c.metrics.RecordCall(op, string(domain.Classify(err)))
	}
}

var _ domain.StockGateway = (*Client)(nil)
