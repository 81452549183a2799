package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/log"
	"github.com/enlightenev/enlightenev/pkg/types"
)

const (
	DefaultChargingAmps = 32
	MinChargingAmps     = 6
	MaxChargingAmps     = 40

	startKickSeconds = 90
	stopKickSeconds  = 60
)

// StartOptions are the optional arguments of StartCharging.
type StartOptions struct {
	// ChargingLevel defaults to the last requested level, else 32.
	ChargingLevel *int
	// ConnectorID defaults to 1.
	ConnectorID *int
}

func (c *Coordinator) wrapActionErr(action string, err error) error {
	if errors.Is(err, enlighten.ErrUnauthorized) {
		return fmt.Errorf("%w: %s: %w", ErrAuthFailed, action, err)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

func (c *Coordinator) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("action rate limit: %w", err)
	}
	return nil
}

// StartCharging starts a session on sn and speeds up polling so the new
// state shows quickly.
func (c *Coordinator) StartCharging(ctx context.Context, sn string, opts StartOptions) (enlighten.ActionResult, error) {
	level := DefaultChargingAmps
	if opts.ChargingLevel != nil {
		level = *opts.ChargingLevel
	} else if amps, ok := c.LastSetAmps(sn); ok {
		level = amps
	}
	if level < MinChargingAmps || level > MaxChargingAmps {
		return nil, fmt.Errorf("%w: charging level %d outside %d..%d", ErrInvalidArgument, level, MinChargingAmps, MaxChargingAmps)
	}
	connector := 1
	if opts.ConnectorID != nil {
		connector = *opts.ConnectorID
	}
	if connector < 1 || connector > 2 {
		return nil, fmt.Errorf("%w: connector %d outside 1..2", ErrInvalidArgument, connector)
	}

	ctx = log.WithAttrs(c.logCtx(ctx), slog.String("serial", sn))
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.client.StartCharging(ctx, sn, level, connector)
	if err != nil {
		return nil, c.wrapActionErr("start charging", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "start charging requested", slog.Int("level", level), slog.String("result", res.Status()))

	c.SetLastSetAmps(sn, level)
	c.KickFast(startKickSeconds)
	c.RequestRefresh()
	return res, nil
}

// StopCharging stops the session on sn.
func (c *Coordinator) StopCharging(ctx context.Context, sn string) (enlighten.ActionResult, error) {
	ctx = log.WithAttrs(c.logCtx(ctx), slog.String("serial", sn))
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.client.StopCharging(ctx, sn)
	if err != nil {
		return nil, c.wrapActionErr("stop charging", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "stop charging requested", slog.String("result", res.Status()))

	c.KickFast(stopKickSeconds)
	c.RequestRefresh()
	return res, nil
}

// TriggerMessage asks sn to report the requested message.
func (c *Coordinator) TriggerMessage(ctx context.Context, sn, message string) (enlighten.ActionResult, error) {
	if message == "" {
		return nil, fmt.Errorf("%w: requested message is required", ErrInvalidArgument)
	}
	ctx = log.WithAttrs(c.logCtx(ctx), slog.String("serial", sn))
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.client.TriggerMessage(ctx, sn, message)
	if err != nil {
		return nil, c.wrapActionErr("trigger message", err)
	}
	c.KickFast(stopKickSeconds)
	c.RequestRefresh()
	return res, nil
}

// SetChargeMode stores a scheduler mode and updates the cache right away.
func (c *Coordinator) SetChargeMode(ctx context.Context, sn, mode string) (enlighten.ActionResult, error) {
	if !types.IsSelectableChargeMode(mode) {
		return nil, fmt.Errorf("%w: unsupported charge mode %q", ErrInvalidArgument, mode)
	}
	ctx = log.WithAttrs(c.logCtx(ctx), slog.String("serial", sn))
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.client.SetChargeMode(ctx, sn, mode)
	if err != nil {
		return nil, c.wrapActionErr("set charge mode", err)
	}
	c.SetChargeModeCache(sn, mode)
	c.RequestRefresh()
	return res, nil
}

// StartLiveStream requests faster cloud updates and, when enabled,
// switches to fast polling.
func (c *Coordinator) StartLiveStream(ctx context.Context) (enlighten.ActionResult, error) {
	ctx = c.logCtx(ctx)
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.client.StartLiveStream(ctx)
	if err != nil {
		return nil, c.wrapActionErr("start live stream", err)
	}
	c.mu.Lock()
	c.streaming = true
	c.mu.Unlock()
	c.RequestRefresh()
	return res, nil
}

// StopLiveStream ends a live stream.
func (c *Coordinator) StopLiveStream(ctx context.Context) (enlighten.ActionResult, error) {
	ctx = c.logCtx(ctx)
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.client.StopLiveStream(ctx)
	if err != nil {
		return nil, c.wrapActionErr("stop live stream", err)
	}
	c.mu.Lock()
	c.streaming = false
	c.mu.Unlock()
	c.RequestRefresh()
	return res, nil
}
