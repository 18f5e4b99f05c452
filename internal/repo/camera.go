package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/edirooss/wallflower/internal/domain/camera"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	cameraKeyPrefix = "wallflower:camera:"
	cameraIDsKey    = "wallflower:cameras" // SET of string IDs: {"1", "2", ...}
)

func cameraKeyInt(id int64) string  { return cameraKeyPrefix + strconv.FormatInt(id, 10) }
func cameraKeyStr(id string) string { return cameraKeyPrefix + id }

// CameraRepository is the Redis-backed camera source. Records are written by
// the external configuration API; this process mostly reads them.
type CameraRepository struct {
	client *RedisClient
	log    *zap.Logger
}

func newCameraRepository(log *zap.Logger, client *RedisClient) *CameraRepository {
	return &CameraRepository{
		log:    log.Named("cameras"),
		client: client,
	}
}

// Upsert validates and persists a camera and adds its ID to the index set.
func (r *CameraRepository) Upsert(ctx context.Context, cam *camera.Camera) error {
	if err := cam.Validate(); err != nil {
		return err
	}
	payload, err := encodeCamera(cam)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, cameraKeyInt(cam.ID), payload, 0)
	pipe.SAdd(ctx, cameraIDsKey, strconv.FormatInt(cam.ID, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Delete removes a camera by ID.
// Returns camera.ErrNotFound if neither the record nor the index entry existed.
func (r *CameraRepository) Delete(ctx context.Context, id int64) error {
	key := cameraKeyInt(id)
	idStr := strconv.FormatInt(id, 10)

	pipe := r.client.TxPipeline()
	delRes := pipe.Del(ctx, key)
	sremRes := pipe.SRem(ctx, cameraIDsKey, idStr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	delCount, sremCount := delRes.Val(), sremRes.Val()
	if delCount == 0 && sremCount == 0 {
		return camera.ErrNotFound
	}
	if delCount != sremCount {
		r.log.Warn("camera delete mismatch",
			zap.String("key", key),
			zap.Int64("del_count", delCount),
			zap.Int64("srem_count", sremCount))
	}
	return nil
}

// GetCamera fetches a camera by ID.
func (r *CameraRepository) GetCamera(ctx context.Context, id int64) (*camera.Camera, error) {
	value, err := r.client.Get(ctx, cameraKeyInt(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("camera %d: %w", id, camera.ErrNotFound)
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	cam, err := decodeCamera(value)
	if err != nil {
		return nil, fmt.Errorf("decode camera %d: %w", id, err)
	}
	return cam, nil
}

// ListCameraIDs returns the indexed camera IDs. Malformed members are skipped.
func (r *CameraRepository) ListCameraIDs(ctx context.Context) ([]int64, error) {
	members, err := r.client.SMembers(ctx, cameraIDsKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	return r.parseIDs(members), nil
}

// ListCameras returns every indexed camera.
//
// Not strongly consistent: SMEMBERS and MGET are separate calls, so a camera
// deleted in between is skipped with a warning.
func (r *CameraRepository) ListCameras(ctx context.Context) ([]*camera.Camera, error) {
	members, err := r.client.SMembers(ctx, cameraIDsKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, id := range members {
		keys[i] = cameraKeyStr(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}
	return r.parseMGetResult(keys, vals)
}

func (r *CameraRepository) parseIDs(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil || id <= 0 {
			r.log.Warn("ignoring malformed camera id in index", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// parseMGetResult converts MGET values to cameras. Missing keys are logged
// and skipped; undecodable payloads fail the call.
func (r *CameraRepository) parseMGetResult(keys []string, vals []interface{}) ([]*camera.Camera, error) {
	out := make([]*camera.Camera, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			r.log.Warn("camera missing during MGET", zap.String("key", keys[i]))
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("key %s at index %d: unexpected type (got %T, want string)", keys[i], i, v)
		}
		cam, err := decodeCamera([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("key %s at index %d: decode camera: %w", keys[i], i, err)
		}
		out = append(out, cam)
	}
	return out, nil
}

func encodeCamera(cam *camera.Camera) ([]byte, error) {
	return json.Marshal(cam)
}

func decodeCamera(raw []byte) (*camera.Camera, error) {
	var cam camera.Camera
	if err := json.Unmarshal(raw, &cam); err != nil {
		return nil, err
	}
	return &cam, nil
}
