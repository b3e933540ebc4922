package main

import (
	"sync"

	"github.com/spf13/cobra"
)

// runAll hosts all three engines in one process, sharing the signal
// context. Intended for small deployments and local stacks; production
// runs them as separate processes so the hot path never competes with
// bulk persistence.
func runAll(cmd *cobra.Command, _ []string) error {
	cfg, met, err := setup(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Ingest.ListenAddr = listen
	}

	ctx, stop := signalContext()
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, run := range []func() error{
		func() error { return ingestMain(ctx, cfg, met) },
		func() error { return hotMain(ctx, cfg, met) },
		func() error { return coldMain(ctx, cfg, met) },
	} {
		wg.Add(1)
		go func(fn func() error) {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- err
				stop() // one engine down takes the process down
			}
		}(run)
	}
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
