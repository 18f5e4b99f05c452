package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/edirooss/wallflower/internal/transcript"
	"go.uber.org/zap"
)

var transcriptKeyPrefix = "wallflower:transcripts:" // LIST of JSON records, oldest first

func transcriptKey(cameraID int64) string {
	return transcriptKeyPrefix + strconv.FormatInt(cameraID, 10)
}

// TranscriptRepository keeps a bounded list of final transcripts per camera.
type TranscriptRepository struct {
	client *RedisClient
	log    *zap.Logger
	max    int64
}

func newTranscriptRepository(log *zap.Logger, client *RedisClient, max int64) *TranscriptRepository {
	if max <= 0 {
		max = 5000
	}
	return &TranscriptRepository{
		log:    log.Named("transcripts"),
		client: client,
		max:    max,
	}
}

// SaveTranscripts appends recs to their cameras' lists and trims each list in
// one transaction.
func (r *TranscriptRepository) SaveTranscripts(ctx context.Context, recs []transcript.Record) error {
	if len(recs) == 0 {
		return nil
	}
	grouped, order, err := groupPayloads(recs)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	for _, id := range order {
		key := transcriptKey(id)
		pipe.RPush(ctx, key, grouped[id]...)
		pipe.LTrim(ctx, key, -r.max, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	r.log.Debug("transcripts saved", zap.Int("count", len(recs)), zap.Int("cameras", len(order)))
	return nil
}

// Recent returns up to limit of the newest transcripts of a camera, oldest first.
func (r *TranscriptRepository) Recent(ctx context.Context, cameraID int64, limit int64) ([]transcript.Record, error) {
	if limit <= 0 || limit > r.max {
		limit = r.max
	}
	vals, err := r.client.LRange(ctx, transcriptKey(cameraID), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}

	out := make([]transcript.Record, 0, len(vals))
	for i, v := range vals {
		var rec transcript.Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			r.log.Warn("skipping undecodable transcript", zap.Int64("camera_id", cameraID), zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// groupPayloads encodes recs per camera, keeping first-seen camera order.
func groupPayloads(recs []transcript.Record) (map[int64][]interface{}, []int64, error) {
	grouped := make(map[int64][]interface{})
	var order []int64
	for _, rec := range recs {
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, nil, fmt.Errorf("encode transcript: %w", err)
		}
		if _, seen := grouped[rec.CameraID]; !seen {
			order = append(order, rec.CameraID)
		}
		grouped[rec.CameraID] = append(grouped[rec.CameraID], string(payload))
	}
	return grouped, order, nil
}
