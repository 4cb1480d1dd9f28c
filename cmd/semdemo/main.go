// Command semdemo runs a cross-device semaphore plan on two devices.
//
// Without -plan it runs the built-in protocol: device B signals a shared
// semaphore that device A waits on before its second submission.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/gogpu/semshare"
	"github.com/gogpu/semshare/backend"
	"github.com/gogpu/semshare/driver"
	"github.com/gogpu/semshare/internal/config"
	"github.com/gogpu/semshare/plan"

	_ "github.com/gogpu/semshare/backend/native"
	_ "github.com/gogpu/semshare/backend/soft"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML run configuration")
		planPath   = flag.String("plan", "", "HCL plan file (default: built-in protocol)")
		backendArg = flag.String("backend", "", "driver backend (default: first usable)")
		passes     = flag.Int("passes", 0, "number of passes (default: from config or plan)")
		handoff    = flag.Bool("handoff", false, "run the one-way handoff variant")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "semdemo:", err)
			os.Exit(2)
		}
	}
	passesSet := false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "plan":
			cfg.Plan = *planPath
		case "backend":
			cfg.Backend = *backendArg
		case "passes":
			cfg.Passes = *passes
			passesSet = true
		case "handoff":
			cfg.Handoff = *handoff
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "semdemo:", err)
		os.Exit(2)
	}

	logger := cfg.NewLogger(os.Stderr)
	semshare.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, cfg, passesSet, logger); err != nil {
		logger.Error("semdemo: failed", "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, passesSet bool, logger *slog.Logger) error {
	ht := cfg.HandleTypeValue()
	required := []driver.Extension{driver.ExtExternalSemaphore, ht.Extension()}

	var (
		file *plan.File
		err  error
	)
	names := []string{"a", "b"}
	if cfg.Plan != "" {
		if file, err = plan.ParseFile(cfg.Plan); err != nil {
			return err
		}
		names = file.ContextNames()
		if !passesSet {
			cfg.Passes = file.Passes()
		}
	}

	inst, name, err := openBackend(cfg.Backend, len(names), required)
	if err != nil {
		return err
	}
	defer inst.Destroy()
	adapters := backend.SuitableAdapters(inst, required...)
	logger.Info("semdemo: backend selected", "backend", name, "adapters", len(adapters))

	contexts := make(map[string]*semshare.Context, len(names))
	defer func() {
		for _, c := range contexts {
			c.Close()
		}
	}()
	for i, n := range names {
		c, err := semshare.NewContext(adapters[i], required, semshare.WithName(n), semshare.WithLogger(logger))
		if err != nil {
			return err
		}
		contexts[n] = c
	}

	var p *semshare.Plan
	if file != nil {
		if p, err = file.Build(contexts, ht); err != nil {
			return err
		}
	} else {
		proto, err := semshare.NewTwoDeviceProtocol(contexts["a"], contexts["b"], ht)
		if err != nil {
			return err
		}
		p = proto.Plan()
		if cfg.Handoff {
			p = proto.HandoffPlan()
		}
	}

	s := semshare.NewScheduler(
		semshare.WithFenceTimeout(cfg.FenceTimeout),
		semshare.WithSchedulerLogger(logger),
	)
	if err := s.RunPasses(ctx, p, cfg.Passes); err != nil {
		return err
	}
	logger.Info("semdemo: done", "passes", cfg.Passes, "rounds", len(p.Rounds))
	return nil
}

// openBackend opens the named backend, or the first usable one when name
// is empty, and checks it has n adapters supporting required.
func openBackend(name string, n int, required []driver.Extension) (driver.Instance, string, error) {
	if name == "" {
		return backend.Select(n, required...)
	}
	inst, err := backend.Open(name)
	if err != nil {
		return nil, "", err
	}
	if got := len(backend.SuitableAdapters(inst, required...)); got < n {
		inst.Destroy()
		return nil, "", fmt.Errorf("semdemo: backend %s has %d suitable adapters, need %d", name, got, n)
	}
	return inst, name, nil
}
