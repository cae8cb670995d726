package inventory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the minimal client surface used by RedisStockStore.
type RedisClient interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
}

const (
	redisCodeNotFound     = 1
	redisCodeInactive     = 2
	redisCodeInsufficient = 3
)

// applyScript checks every key first and only then mutates, so a batch either
// commits entirely or leaves every key untouched. Redis runs the script
// without interleaving other commands.
//
// KEYS: stock hashes. ARGV[1]: unix timestamp. ARGV[i+1]: delta for KEYS[i].
// Reply on success: {1, newStock...}. On failure: {0, index, code, current, ...}.
var applyScript = redis.NewScript(`
local failed = {0}
for i, key in ipairs(KEYS) do
  local delta = tonumber(ARGV[i + 1])
  local fields = redis.call('HMGET', key, 'current_stock', 'is_active')
  if not fields[1] then
    table.insert(failed, i)
    table.insert(failed, 1)
    table.insert(failed, 0)
  else
    local stock = tonumber(fields[1])
    if delta < 0 and fields[2] ~= '1' then
      table.insert(failed, i)
      table.insert(failed, 2)
      table.insert(failed, stock)
    elseif stock + delta < 0 then
      table.insert(failed, i)
      table.insert(failed, 3)
      table.insert(failed, stock)
    end
  end
end
if #failed > 1 then
  return failed
end
local out = {1}
for i, key in ipairs(KEYS) do
  table.insert(out, redis.call('HINCRBY', key, 'current_stock', tonumber(ARGV[i + 1])))
  redis.call('HSET', key, 'updated_at', ARGV[1])
end
return out
`)

// RedisStockStore keeps stock records in Redis hashes.
type RedisStockStore struct {
	client    RedisClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStockStore constructs a Redis-backed stock store.
func NewRedisStockStore(client RedisClient, keyPrefix string) *RedisStockStore {
	if keyPrefix == "" {
		keyPrefix = "stock"
	}
	return &RedisStockStore{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

// key places every product of a store in the same hash slot.
func (r *RedisStockStore) key(storeID, productID string) string {
	return r.keyPrefix + ":{" + storeID + "}:" + productID
}

// Put creates or replaces a stock record.
func (r *RedisStockStore) Put(ctx context.Context, rec StockRecord) error {
	active := "0"
	if rec.IsActive {
		active = "1"
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = r.now()
	}
	return r.client.HSet(ctx, r.key(rec.StoreID, rec.ProductID), map[string]any{
		"current_stock":   rec.CurrentStock,
		"min_stock_level": rec.MinStockLevel,
		"max_stock_level": rec.MaxStockLevel,
		"is_active":       active,
		"updated_at":      updated.Unix(),
	}).Err()
}

// Get loads a stock record.
func (r *RedisStockStore) Get(ctx context.Context, storeID, productID string) (StockRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.key(storeID, productID)).Result()
	if err != nil {
		return StockRecord{}, err
	}
	if len(fields) == 0 {
		return StockRecord{}, ErrStockNotFound
	}

	rec := StockRecord{
		StoreID:   storeID,
		ProductID: productID,
		IsActive:  fields["is_active"] == "1",
	}
	if rec.CurrentStock, err = atoiField(fields, "current_stock"); err != nil {
		return StockRecord{}, err
	}
	if rec.MinStockLevel, err = atoiField(fields, "min_stock_level"); err != nil {
		return StockRecord{}, err
	}
	if rec.MaxStockLevel, err = atoiField(fields, "max_stock_level"); err != nil {
		return StockRecord{}, err
	}
	if raw := fields["updated_at"]; raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return StockRecord{}, fmt.Errorf("updated_at: %w", err)
		}
		rec.UpdatedAt = time.Unix(unix, 0).UTC()
	}
	return rec, nil
}

// ConditionalApply applies one delta through the batch script.
func (r *RedisStockStore) ConditionalApply(ctx context.Context, storeID string, delta StockDelta, reason string) (ReservationResult, error) {
	return r.TransactionalApply(ctx, storeID, []StockDelta{delta}, reason)
}

// TransactionalApply evaluates and applies all deltas in one script call.
func (r *RedisStockStore) TransactionalApply(ctx context.Context, storeID string, deltas []StockDelta, _ string) (ReservationResult, error) {
	if err := ctx.Err(); err != nil {
		return ReservationResult{}, err
	}
	if len(deltas) == 0 {
		return ReservationResult{}, nil
	}

	keys := make([]string, len(deltas))
	args := make([]any, 0, len(deltas)+1)
	args = append(args, r.now().Unix())
	for i, d := range deltas {
		keys[i] = r.key(storeID, d.ProductID)
		args = append(args, d.Delta)
	}

	reply, err := applyScript.Run(ctx, r.client, keys, args...).Int64Slice()
	if err != nil {
		return ReservationResult{}, err
	}
	if len(reply) == 0 {
		return ReservationResult{}, fmt.Errorf("stock script returned empty reply")
	}

	var result ReservationResult
	if reply[0] == 1 {
		if len(reply) != len(deltas)+1 {
			return ReservationResult{}, fmt.Errorf("stock script returned %d values for %d items", len(reply)-1, len(deltas))
		}
		for i, d := range deltas {
			result.Applied = append(result.Applied, AppliedItem{
				ProductID: d.ProductID,
				Delta:     d.Delta,
				NewStock:  int(reply[i+1]),
			})
		}
		return result, nil
	}

	rest := reply[1:]
	if len(rest)%3 != 0 {
		return ReservationResult{}, fmt.Errorf("malformed stock script reply")
	}
	for i := 0; i < len(rest); i += 3 {
		idx := int(rest[i]) - 1
		if idx < 0 || idx >= len(deltas) {
			return ReservationResult{}, fmt.Errorf("stock script referenced item %d", idx+1)
		}
		d := deltas[idx]
		var rec *StockRecord
		switch rest[i+1] {
		case redisCodeNotFound:
		case redisCodeInactive:
			rec = &StockRecord{CurrentStock: int(rest[i+2])}
		case redisCodeInsufficient:
			rec = &StockRecord{CurrentStock: int(rest[i+2]), IsActive: true}
		default:
			return ReservationResult{}, fmt.Errorf("unknown stock script code %d", rest[i+1])
		}
		failed, _ := Evaluate(rec, d)
		result.Failed = append(result.Failed, failed)
	}
	return result, nil
}

func atoiField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
