package app

import (
	"fmt"

	"github.com/chainboard/marketcache/pkg/logger"
)

// ConfigureLogging initialises the global logger at the configured level.
func ConfigureLogging(level string) error {
	if err := logger.Init(level); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	return nil
}
