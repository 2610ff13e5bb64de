package internal

import "fmt"

// ValidateConfigCmd loads and validates cfgPath without starting the
// engine, printing how many pairs were accepted in each section (rejected
// pairs and unknown keys are already logged by pkg/config during Load).
func ValidateConfigCmd(cfgPath string) error {
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	fmt.Printf("config OK: %d forward pair(s), %d monitor pair(s)\n",
		len(cfg.Forward.Pairs), len(cfg.Monitor.Pairs))
	return nil
}
