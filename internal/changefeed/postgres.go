package changefeed

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/prohmpiriya/rentsync/internal/domain"
	"github.com/prohmpiriya/rentsync/pkg/logger"
)

// PostgresFeedConfig holds reconnect settings for LISTEN/NOTIFY
type PostgresFeedConfig struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultPostgresFeedConfig returns default reconnect settings
func DefaultPostgresFeedConfig() PostgresFeedConfig {
	return PostgresFeedConfig{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
}

// PostgresFeed listens to the NOTIFY triggers installed by the migrations.
// Each table subscription holds one dedicated connection.
type PostgresFeed struct {
	pool   *pgxpool.Pool
	cfg    PostgresFeedConfig
	log    *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPostgresFeed creates a new PostgresFeed
func NewPostgresFeed(pool *pgxpool.Pool, cfg PostgresFeedConfig, log *logger.Logger) *PostgresFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresFeed{
		pool:   pool,
		cfg:    cfg,
		log:    log.Named("pg_feed"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe starts listening on the table's channel
func (f *PostgresFeed) Subscribe(ctx context.Context, table domain.Table) (<-chan Event, error) {
	conn, err := f.listen(ctx, table)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, memoryBufferSize)
	go f.run(ctx, table, conn, out)
	return out, nil
}

func (f *PostgresFeed) listen(ctx context.Context, table domain.Table) (*pgx.Conn, error) {
	pc, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := pc.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelName(table)}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func (f *PostgresFeed) run(ctx context.Context, table domain.Table, conn *pgx.Conn, out chan<- Event) {
	defer close(out)
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	ctx, cancel := mergeDone(ctx, f.ctx)
	defer cancel()

	backoff := f.cfg.MinBackoff
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.Warn("listen connection lost",
				zap.String("table", string(table)),
				zap.Error(err),
			)
			_ = conn.Close(context.Background())
			conn = nil

			for conn == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				conn, err = f.listen(ctx, table)
				if err != nil {
					backoff = min(backoff*2, f.cfg.MaxBackoff)
					continue
				}
			}
			backoff = f.cfg.MinBackoff

			if !emit(ctx, out, Event{Resync: true}) {
				return
			}
			continue
		}

		notification, err := DecodeNotification(table, []byte(n.Payload))
		if err != nil {
			f.log.Warn("dropping notification", zap.String("table", string(table)), zap.Error(err))
			continue
		}
		if !emit(ctx, out, Event{Notification: notification}) {
			return
		}
	}
}

// Close stops every subscription
func (f *PostgresFeed) Close() error {
	f.cancel()
	return nil
}

func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// mergeDone returns a context cancelled when either parent is done
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
