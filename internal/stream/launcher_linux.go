package stream

import (
	"time"

	"github.com/edirooss/wallflower/internal/infrastructure/processmgr"
	"github.com/edirooss/wallflower/pkg/ffmpegcmd"
	"go.uber.org/zap"
)

// ProcessLauncher runs extractors as supervised child processes, keeping
// their stderr in a per-camera log buffer.
type ProcessLauncher struct {
	Log   *zap.Logger
	Logs  *processmgr.LogManager
	Grace time.Duration
}

func (l ProcessLauncher) Launch(cameraID int64, argv []string) (Extractor, error) {
	buf := l.Logs.Get(cameraID)
	buf.Append("$ " + ffmpegcmd.Redacted(argv))
	log := l.Log.With(zap.Int64("camera_id", cameraID))
	p, err := processmgr.Start(log, buf, argv, l.Grace)
	if err != nil {
		return nil, err
	}
	log.Debug("extractor started", zap.Int("pid", p.Pid()))
	return p, nil
}
