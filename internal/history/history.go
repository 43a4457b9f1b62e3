package history

import (
	"context"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
)

type service struct {
	repo *repository
	cfg  Config
}

type noopRecorder struct{}

// NewService opens the history journal, or returns a recorder that drops
// everything when history is disabled.
func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}
	if log == nil {
		log = logger.Default()
	}

	if !cfg.Enabled {
		log.Debug().Msg("History disabled, using no-op recorder")
		return noopRecorder{}, nil
	}

	repo, err := newRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to open history repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Dur("retention", cfg.Retention).
		Msg("History service initialized")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) Record(ctx context.Context, ev Event) error {
	errFactory := errors.New()

	if ev.Kind == "" || ev.Time.IsZero() {
		return errFactory.New(ErrInvalidEvent)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.insert(ctx, ev); err != nil {
			return errFactory.Wrap(ErrRecord, err)
		}
	}

	return nil
}

func (s *service) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.repo.recent(ctx, limit)
}

func (s *service) Close() error {
	return s.repo.close()
}

func (noopRecorder) Record(context.Context, Event) error { return nil }

func (noopRecorder) Recent(context.Context, int) ([]Event, error) { return nil, nil }

func (noopRecorder) Close() error { return nil }
