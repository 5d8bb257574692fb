package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/formdriver"
	"github.com/xkilldash9x/formprobe/internal/orchestrator"
	"github.com/xkilldash9x/formprobe/internal/results"
	"github.com/xkilldash9x/formprobe/internal/synth"
)

// FormCheckName is the registry key of the form tracking check.
const FormCheckName = "form"

// FormCheck is the single-URL form of the row pipeline with a private browser.
type FormCheck struct {
	manager *browser.Manager
	orch    *orchestrator.Orchestrator
}

// NewFormCheck returns a Factory that launches a browser per dispatch.
func NewFormCheck(cfg config.Interface, logger *zap.Logger) Factory {
	return func(ctx context.Context) (Check, error) {
		// The browser outlives the check's deadline context until Close.
		mgr := browser.NewManager(context.WithoutCancel(ctx), cfg, logger)
		driver := formdriver.New(cfg.Form(), cfg.Auth(), synth.New(), logger)
		orch, err := orchestrator.New(cfg, logger, orchestrator.FromManager(mgr), driver)
		if err != nil {
			_ = mgr.Shutdown(ctx)
			return nil, err
		}
		return &FormCheck{manager: mgr, orch: orch}, nil
	}
}

// Run implements Check.
func (c *FormCheck) Run(ctx context.Context, url string) (results.Row, error) {
	return c.orch.RunSingle(ctx, url)
}

// Close shuts the browser down.
func (c *FormCheck) Close(ctx context.Context) error {
	return c.manager.Shutdown(ctx)
}

// DefaultRegistry holds the built-in checks.
func DefaultRegistry(cfg config.Interface, logger *zap.Logger) map[string]Factory {
	return map[string]Factory{
		FormCheckName: NewFormCheck(cfg, logger),
	}
}
