package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"stockline/internal/allocation"
	"stockline/internal/config"
	"stockline/internal/events"
	"stockline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Log    logr.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Now:    time.Now,
		Log:    logr.Discard(),
	}
}

// WithLogger returns a copy of e logging to log.
func (e Engine) WithLogger(log logr.Logger) Engine {
	e.Log = log.WithName("engine")
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) begin(ctx context.Context, op string) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, allocation.Wrap(allocation.KindPersistenceFailure, op, err)
	}
	return tx, nil
}

// storeErr classifies a repository error. ErrNotFound becomes NotFound with
// what as the message; anything else is a persistence failure.
func storeErr(op, what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return allocation.Errorf(allocation.KindNotFound, op, "%s not found", what)
	}
	var ae *allocation.Error
	if errors.As(err, &ae) {
		return err
	}
	return allocation.Wrap(allocation.KindPersistenceFailure, op, err)
}

func invalid(op, format string, args ...any) error {
	return allocation.Errorf(allocation.KindInvalidInput, op, format, args...)
}
