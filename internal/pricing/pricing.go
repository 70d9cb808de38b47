// Package pricing adapts external market price feeds for the equity token.
// The engine never produces prices; it only reads the latest published one.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var ErrPriceUnavailable = errors.New("pricing: market price unavailable")

// Oracle returns the current market price of the equity token.
type Oracle interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}

// StaticOracle always returns the same price. A non-positive price is
// treated as unavailable.
type StaticOracle struct {
	price decimal.Decimal
}

func NewStaticOracle(price decimal.Decimal) *StaticOracle {
	return &StaticOracle{price: price}
}

func (o *StaticOracle) Price(context.Context) (decimal.Decimal, error) {
	if !o.price.IsPositive() {
		return decimal.Zero, ErrPriceUnavailable
	}
	return o.price, nil
}

// RedisOracle reads a hash published by the market service:
//
//	HSET <key> price "1.25" updated_at <unix seconds>
//
// Prices older than maxAge are rejected.
type RedisOracle struct {
	rdb    *redis.Client
	key    string
	maxAge time.Duration
	clock  clockwork.Clock
}

func NewRedisOracle(rdb *redis.Client, key string, maxAge time.Duration, clock clockwork.Clock) *RedisOracle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisOracle{rdb: rdb, key: key, maxAge: maxAge, clock: clock}
}

func (o *RedisOracle) Price(ctx context.Context) (decimal.Decimal, error) {
	fields, err := o.rdb.HGetAll(ctx, o.key).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: read %s: %v", ErrPriceUnavailable, o.key, err)
	}
	return parseQuote(fields, o.clock.Now(), o.maxAge)
}

// parseQuote validates a published quote.
func parseQuote(fields map[string]string, now time.Time, maxAge time.Duration) (decimal.Decimal, error) {
	raw, ok := fields["price"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price published", ErrPriceUnavailable)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: invalid price %q", ErrPriceUnavailable, raw)
	}
	if maxAge > 0 {
		ts, err := strconv.ParseInt(fields["updated_at"], 10, 64)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: missing updated_at", ErrPriceUnavailable)
		}
		if age := now.Sub(time.Unix(ts, 0)); age > maxAge {
			return decimal.Zero, fmt.Errorf("%w: price is %s old", ErrPriceUnavailable, age.Round(time.Second))
		}
	}
	return price, nil
}

// Fallback asks each oracle in turn and returns the first price available.
type Fallback []Oracle

func (f Fallback) Price(ctx context.Context) (decimal.Decimal, error) {
	errs := make([]error, 0, len(f))
	for _, o := range f {
		p, err := o.Price(ctx)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return decimal.Zero, ErrPriceUnavailable
	}
	return decimal.Zero, errors.Join(errs...)
}
