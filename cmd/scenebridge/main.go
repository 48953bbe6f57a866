package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/l1jgo/scenebridge/internal/capture"
	"github.com/l1jgo/scenebridge/internal/component"
	"github.com/l1jgo/scenebridge/internal/config"
	"github.com/l1jgo/scenebridge/internal/core/ecs"
	"github.com/l1jgo/scenebridge/internal/core/event"
	coresys "github.com/l1jgo/scenebridge/internal/core/system"
	"github.com/l1jgo/scenebridge/internal/data"
	"github.com/l1jgo/scenebridge/internal/gate"
	"github.com/l1jgo/scenebridge/internal/persist"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/scene"
	"github.com/l1jgo/scenebridge/internal/scripting"
	"github.com/l1jgo/scenebridge/internal/system"
	"github.com/l1jgo/scenebridge/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(name string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m            scenebridge  v0.1.0            \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m       scene sync bridge · Go host         \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mhost:\033[0m %s\n\n", name)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Host ───────────────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfg, err := config.Load(config.Path("config/scenebridge.toml"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Host.Name)

	// 3. Component registry and live world
	printSection("components")
	reg := registry.New()
	if err := component.RegisterAll(reg, log, component.PoolOptions{
		Debug:    cfg.Bridge.DebugPools,
		Prealloc: cfg.Bridge.PreallocPools,
	}); err != nil {
		return fmt.Errorf("register components: %w", err)
	}
	reg.Freeze()
	world := ecs.NewWorld()
	if err := reg.Install(world); err != nil {
		return fmt.Errorf("install stores: %w", err)
	}
	components := make(map[string]wire.ComponentID)
	for _, b := range reg.Bridges() {
		components[b.Name] = b.ID
	}
	printStat("component kinds", len(components))
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 4. Optional capture and snapshot store
	bus := event.NewBus()
	var hostOpts []scene.HostOption
	if cfg.Capture.Enabled {
		rec, err := capture.Create(cfg.Capture.Dir, cfg.Host.Name)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		defer rec.Close()
		hostOpts = append(hostOpts, scene.WithRecorder(rec))
		printOK("capturing to " + rec.Path())
	}

	var store scene.SnapshotStore
	if cfg.Database.DSN != "" {
		printSection("database")
		db, err := persist.NewDB(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL connected")

		version, err := db.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK(fmt.Sprintf("schema at version %d", version))
		store = persist.NewSnapshotRepo(db)
		fmt.Println()
	}

	host := scene.NewHost(sceneConfig(cfg), reg, world, bus, log, hostOpts...)

	// 5. Open manifest scenes
	printSection("scenes")
	manifest, err := data.LoadSceneTable(cfg.Host.Scenes)
	if err != nil {
		return fmt.Errorf("scene manifest: %w", err)
	}
	scenes := system.NewScenes()
	for _, entry := range manifest.All() {
		b, err := openScene(ctx, host, store, entry, components, log)
		if err != nil {
			return fmt.Errorf("scene %s: %w", entry.Name, err)
		}
		scenes.Add(b)
	}
	printStat("scenes", scenes.Len())
	fmt.Println()

	// 6. Create systems and register with runner
	runner := coresys.NewRunner(coresys.WithSlowTick(cfg.Host.TickRate, log))
	pointer := system.NewPointerSystem(host, reg, log)
	cleanup := system.NewCleanupSystem(host, scenes, log)
	runner.Register(pointer)
	runner.Register(system.NewResultSystem(scenes, log))
	runner.Register(system.NewEventSystem(bus))
	runner.Register(system.NewProduceSystem(scenes, log))
	runner.Register(system.NewAssetSystem(bus, nil, log))
	runner.Register(system.NewRenderStatsSystem(world, reg, log, 100))
	runner.Register(system.NewFlushSystem(host, log))
	var snapshots *system.SnapshotSystem
	if store != nil {
		snapshots = system.NewSnapshotSystem(host, store, log, cfg.Database.SnapshotEveryTicks)
		runner.Register(snapshots)
	}
	runner.Register(cleanup)
	runner.Register(system.NewGateSystem(host))

	event.Subscribe(bus, func(ev event.SceneSuspended) {
		log.Error("scene suspended", zap.String("scene", ev.Scene), zap.Int("violations", ev.Violations))
		if s, ok := host.Find(ev.Scene); ok && cfg.Bridge.CloseSuspended {
			cleanup.Request(s.ID())
		}
	})
	event.Subscribe(bus, func(ev event.SceneClosed) {
		log.Info("scene released", zap.String("scene", ev.Scene))
	})

	// 7. Start host loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Host.TickRate)
	defer ticker.Stop()

	// A nil channel never fires: polling is off unless configured.
	var pollC <-chan time.Time
	if cfg.Host.InputPoll > 0 {
		poll := time.NewTicker(cfg.Host.InputPoll)
		defer poll.Stop()
		pollC = poll.C
	}

	printSection("ready")
	printReady(fmt.Sprintf("host loop started (tick: %s)", cfg.Host.TickRate))
	fmt.Println()

	for {
		select {
		case <-ticker.C:
			runner.Tick(cfg.Host.TickRate)
		case <-pollC:
			runner.TickPhase(coresys.PhaseInput, cfg.Host.InputPoll)
		case sig := <-shutdownCh:
			log.Info("shutdown signal", zap.String("signal", sig.String()))
			if snapshots != nil {
				snapshots.SaveAll()
			}
			cleanup.CloseAll()
			if err := host.CloseAll(); err != nil {
				log.Warn("close scenes", zap.Error(err))
			}
			log.Info("host stopped")
			return nil
		}
	}
}

// openScene opens entry, restores its stored state and loads its script.
func openScene(ctx context.Context, host *scene.Host, store scene.SnapshotStore, entry *data.SceneEntry, components map[string]wire.ComponentID, log *zap.Logger) (*system.SceneBinding, error) {
	sess := host.Open(entry.Name, entry.Privileged)
	fail := func(err error) (*system.SceneBinding, error) {
		return nil, errors.Join(err, host.Close(sess.ID()))
	}

	if store != nil {
		restored, err := host.Restore(ctx, sess.ID(), store)
		if err != nil {
			return fail(fmt.Errorf("restore: %w", err))
		}
		if restored {
			printOK(fmt.Sprintf("%s restored (%d keys)", entry.Name, sess.State().Len()))
		}
	}

	for _, a := range entry.Anchors {
		if err := sess.CreateEntity(wire.EntityID(a)); err != nil {
			return fail(err)
		}
	}

	prod, err := scripting.NewProducer(entry.Name, log, scripting.WithComponents(components))
	if err != nil {
		return fail(err)
	}
	for _, e := range sess.State().Snapshot().Entries {
		prod.Observe(e.Key, e.Timestamp)
	}
	if entry.Script != "" {
		if err := prod.LoadFile(entry.Script); err != nil {
			prod.Close()
			return fail(err)
		}
	}
	printOK(fmt.Sprintf("%s opened (divisor %d, privileged %t)", entry.Name, entry.TickDivisor, entry.Privileged))
	return &system.SceneBinding{Session: sess, Producer: prod, Divisor: entry.TickDivisor}, nil
}

func sceneConfig(cfg *config.Config) scene.Config {
	sc := scene.DefaultConfig()
	sc.MaxPayloadLen = cfg.Bridge.MaxPayloadLen
	sc.MaxAppendElements = cfg.Bridge.MaxAppendElements
	sc.MaxCommandsPerFlush = cfg.Bridge.MaxCommandsPerFlush
	sc.SuspendAfter = cfg.Bridge.SuspendAfterViolations
	sc.Windows = gate.Windows{
		gate.ClassAlways:    uint64(cfg.Gate.Always),
		gate.ClassFrame:     uint64(cfg.Gate.Frame),
		gate.ClassThrottled: uint64(cfg.Gate.Throttled),
	}
	sc.ReservedMax = wire.EntityID(cfg.Entities.ReservedMax)
	sc.MaxEntity = wire.EntityID(cfg.Entities.MaxEntity)
	return sc
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
