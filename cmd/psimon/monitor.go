package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/psimon"
	"github.com/wippyai/psimon/config"
	"github.com/wippyai/psimon/errors"
	"github.com/wippyai/psimon/loop"
	"github.com/wippyai/psimon/registry"
	"github.com/wippyai/psimon/trigger"
)

// monitor is one armed trigger set and the dispatcher watching it.
type monitor struct {
	d     psimon.Dispatcher
	loop  *loop.Loop
	log   *zap.Logger
	names map[psimon.ID]string
	specs map[psimon.ID]trigger.Spec
	order []psimon.ID
}

// openMonitor arms every trigger in cfg and converts them into the configured
// dispatcher. Nothing is left open on error.
func openMonitor(cfg *config.Config, log *zap.Logger) (*monitor, error) {
	m := &monitor{
		log:   log,
		names: make(map[psimon.ID]string, len(cfg.Triggers)),
		specs: make(map[psimon.ID]trigger.Spec, len(cfg.Triggers)),
	}

	reg := registry.New()
	limits := cfg.Limits()
	for _, t := range cfg.Triggers {
		spec, err := t.Spec(limits)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("trigger %s: %w", t.Name, err), reg.Close())
		}
		h, err := trigger.Build(spec)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("trigger %s: %w", t.Name, err), reg.Close())
		}
		id, err := reg.Add(h)
		if err != nil {
			return nil, multierr.Combine(err, h.Close(), reg.Close())
		}
		m.names[id] = t.Name
		m.specs[id] = spec
		m.order = append(m.order, id)
		log.Debug("trigger armed", zap.String("name", t.Name), zap.Stringer("spec", spec))
	}

	var err error
	switch cfg.Dispatcher {
	case config.DispatcherTask:
		if m.loop, err = loop.New(); err != nil {
			return nil, multierr.Append(err, reg.Close())
		}
		m.d, err = reg.IntoTaskDispatcher(m.loop)
	default:
		m.d, err = reg.IntoThreadDispatcher()
	}
	if err != nil {
		if m.loop != nil {
			_ = m.loop.Close()
		}
		return nil, err
	}
	return m, nil
}

// Run starts the dispatcher and calls fired for every ready event until ctx
// is done. A failure event ends Run with its error.
func (m *monitor) Run(ctx context.Context, fired func(name string, at time.Time)) error {
	if err := m.d.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if m.loop != nil {
		g.Go(func() error { return m.loop.Run(gctx) })
	}
	g.Go(func() error {
		for {
			ev, err := m.d.Receive(gctx)
			if err != nil {
				if errors.IsClosed(err) || gctx.Err() != nil {
					return nil
				}
				return err
			}
			if ev.Type == psimon.EventFailure {
				return ev.Err
			}
			name := m.names[ev.ID]
			m.log.Info("trigger fired", zap.String("name", name), zap.Stringer("id", ev.ID))
			fired(name, time.Now())
		}
	})
	return g.Wait()
}

// Close stops the dispatcher and its loop, if any.
func (m *monitor) Close() error {
	err := m.d.Close()
	if m.loop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, m.loop.Shutdown(ctx))
	}
	return err
}
