// Command theater is the minimal CLI surface named in §6: "start" spawns
// one actor and drives it from stdin frames; "process" spawns one actor
// and blocks until it reaches ShuttingDown. Neither is part of the core
// kernel (§1) — both exist only so the kernel has a runnable front door.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"

	logcap "github.com/theater-rt/theater/capability/log"
	"github.com/theater-rt/theater/internal/engine/wasmerengine"
	"github.com/theater-rt/theater/internal/handler"
	"github.com/theater-rt/theater/internal/logging"
	"github.com/theater-rt/theater/internal/manifest"
	"github.com/theater-rt/theater/internal/runtime"
)

type params struct {
	command      string
	manifestPath string
}

func parseArgs(args []string) (params, error) {
	if len(args) != 3 {
		return params{}, fmt.Errorf("usage: %s <start|process> <manifest.yaml>", args[0])
	}
	cmd := args[1]
	if cmd != "start" && cmd != "process" {
		return params{}, fmt.Errorf("unknown command %q (want start or process)", cmd)
	}
	return params{command: cmd, manifestPath: args[2]}, nil
}

// newRegistry wires the one capability shipped in this tree as a
// working example of the Handler contract (§1 AMBIENT). A real
// deployment registers its own capabilities (HTTP, filesystem, process,
// store, ...) the same way.
func newRegistry() *handler.Registry {
	reg := handler.NewRegistry()
	reg.Register(logcap.Name, logcap.New)
	return reg
}

func newRuntime(reg *handler.Registry) *runtime.Runtime {
	return runtime.New(wasmerengine.New(), reg, logging.New("theater"))
}

// runStart spawns one actor and relays stdin lines to its handle_request
// export, printing each reply, until stdin closes.
func runStart(ctx context.Context, rt *runtime.Runtime, logger *logging.Logger, p params) error {
	m, err := manifest.Load(p.manifestPath)
	if err != nil {
		return err
	}
	actorID, err := rt.SpawnActor(ctx, m, "", nil)
	if err != nil {
		return err
	}
	logger.Info("actor started", logging.String("actor_id", actorID.String()))

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out, err := rt.RequestResponse(ctx, actorID, scanner.Bytes())
		if err != nil {
			logger.Error("request failed", logging.Err(err))
			continue
		}
		os.Stdout.Write(out)
		os.Stdout.Write([]byte("\n"))
	}
	return rt.StopActor(ctx, actorID)
}

// runProcess spawns one actor and polls its status until the runtime
// reports it gone (the runtime forgets an actor's entry the instant its
// state machine reaches ShuttingDown, so ErrActorNotFound here means
// "already terminated", not "never existed").
func runProcess(ctx context.Context, rt *runtime.Runtime, logger *logging.Logger, p params) (int, error) {
	m, err := manifest.Load(p.manifestPath)
	if err != nil {
		return 1, err
	}
	actorID, err := rt.SpawnActor(ctx, m, "", nil)
	if err != nil {
		return 1, err
	}
	logger.Info("actor spawned", logging.String("actor_id", actorID.String()))

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := rt.ActorStatus(ctx, actorID); err != nil {
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func main() {
	p, err := parseArgs(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	exitCode := 0
	app := fx.New(
		fx.Provide(
			func() params { return p },
			func() *logging.Logger { return logging.New("theater") },
			newRegistry,
			newRuntime,
		),
		fx.Invoke(func(lc fx.Lifecycle, rt *runtime.Runtime, logger *logging.Logger, sd fx.Shutdowner) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go func() {
						ctx := context.Background()
						switch p.command {
						case "start":
							if err := runStart(ctx, rt, logger, p); err != nil {
								logger.Error("start failed", logging.Err(err))
								exitCode = 1
							}
						case "process":
							code, err := runProcess(ctx, rt, logger, p)
							exitCode = code
							if err != nil {
								logger.Error("process failed", logging.Err(err))
							}
						}
						_ = sd.Shutdown()
					}()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					return rt.Shutdown(ctx)
				},
			})
		}),
		fx.NopLogger,
	)

	app.Run()
	if err := app.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
