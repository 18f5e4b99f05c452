package repo

import "go.uber.org/zap"

// Repository groups the Redis-backed stores.
type Repository struct {
	log    *zap.Logger
	client *RedisClient

	Cameras     *CameraRepository
	Transcripts *TranscriptRepository
}

// NewRepository connects to Redis at addr. maxTranscripts bounds each
// camera's transcript list.
func NewRepository(log *zap.Logger, addr string, db int, maxTranscripts int64) *Repository {
	log = log.Named("repo")
	client := NewRedisClient(log, addr, db)

	return &Repository{
		log:         log,
		client:      client,
		Cameras:     newCameraRepository(log, client),
		Transcripts: newTranscriptRepository(log, client, maxTranscripts),
	}
}

// Client exposes the shared connection, e.g. for health checks.
func (r *Repository) Client() *RedisClient { return r.client }

// Close releases the Redis connection pool.
func (r *Repository) Close() error { return r.client.Close() }
