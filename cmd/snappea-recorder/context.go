package main

import (
	"strings"
	"sync"

	snappea "github.com/hojjatabdollahi/snappea-sub000"
	"github.com/hojjatabdollahi/snappea-sub000/internal/config"
)

type commandContext struct {
	configFlag *string
	debugFlag  *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, debugFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		debugFlag:  debugFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

func (c *commandContext) debug() bool {
	return c.debugFlag != nil && *c.debugFlag
}

// lifecycle is built per command so tests can point XDG_RUNTIME_DIR
// elsewhere.
func (c *commandContext) lifecycle() (*snappea.Lifecycle, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return snappea.NewLifecycle(snappea.WithStopTimings(cfg.StopGrace, cfg.StopPoll)), nil
}
