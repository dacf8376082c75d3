// Package main is the entry point for the robun agent runtime.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/robun/robun/internal/agent"
	"github.com/robun/robun/internal/bus"
	"github.com/robun/robun/internal/channels"
	"github.com/robun/robun/internal/config"
	"github.com/robun/robun/internal/cron"
	"github.com/robun/robun/internal/gateway"
	"github.com/robun/robun/internal/heartbeat"
	"github.com/robun/robun/internal/llm"
	"github.com/robun/robun/internal/logging"
	"github.com/robun/robun/internal/memory"
	"github.com/robun/robun/internal/replay"
	"github.com/robun/robun/internal/session"
	"github.com/robun/robun/internal/telemetry"
	"github.com/robun/robun/internal/tools"
)

// Build-time variables (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

func init() {
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("robun"),
		kong.Description("Multi-channel conversational agent runtime"),
		kong.UsageOnError(),
	)

	cfgPath := cli.Config
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(cfgPath)
	ctx.FatalIfErrorf(err)

	ctx.FatalIfErrorf(ctx.Run(cfg))
}

// runtime holds the wired components of a full agent process.
type runtime struct {
	cfg          *config.Config
	bus          *bus.MessageBus
	provider     llm.Provider
	sessions     *session.Store
	memStore     *memory.Store
	memIndex     *memory.Index
	consolidator *memory.Consolidator
	registry     *tools.Registry
	subagents    *agent.SubagentManager
	loop         *agent.Loop
	cronSvc      *cron.Service
	heartbeatSvc *heartbeat.Service
	channels     *channels.Manager
	gateway      *gateway.Handler

	closers []func()
}

// newRuntime wires every component. withChannels controls whether the cli
// loopback channel is attached (one-shot commands skip it).
func newRuntime(cfg *config.Config, withChannels bool) (*runtime, error) {
	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	if err := os.MkdirAll(cfg.Agent.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	rt := &runtime{cfg: cfg}
	rt.bus = bus.New(log)

	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	rt.provider = provider

	rt.sessions, err = session.NewStore(filepath.Join(cfg.Agent.Workspace, "sessions"), log)
	if err != nil {
		return nil, err
	}
	rt.memStore, err = memory.NewStore(cfg.Agent.Workspace)
	if err != nil {
		return nil, err
	}
	rt.memIndex, err = memory.OpenIndex(rt.memStore.Dir())
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() { rt.memIndex.Close() })

	consolidationModel := cfg.Agent.ConsolidationModel
	if consolidationModel == "" {
		consolidationModel = cfg.Agent.Model
	}
	rt.consolidator = memory.NewConsolidator(provider, consolidationModel, rt.memStore, rt.memIndex, rt.sessions, log)

	// Isolated registry for subagents: files, shell, web, memory — no
	// message, spawn, or cron.
	subRegistry := tools.NewRegistry(log)
	registerBaseTools(subRegistry, cfg, rt.memIndex)
	rt.subagents = agent.NewSubagentManager(provider, cfg.Agent, subRegistry, rt.bus, log)

	// Full registry for the main agent.
	rt.registry = tools.NewRegistry(log)
	registerBaseTools(rt.registry, cfg, rt.memIndex)
	rt.registry.Register(tools.NewMessageTool(rt.bus.PublishOutbound))
	rt.registry.Register(tools.NewSpawnTool(rt.subagents))

	contextBuilder := agent.NewContextBuilder(cfg.Agent.Workspace, rt.memStore)
	rt.loop = agent.NewLoop(cfg.Agent, rt.bus, provider, rt.registry, rt.sessions, rt.consolidator, contextBuilder, log)

	rt.cronSvc = cron.NewService(
		filepath.Join(cfg.Agent.Workspace, "cron", "jobs.json"),
		rt.onCronJob,
		log,
	)
	rt.registry.Register(tools.NewCronTool(rt.cronSvc))

	rt.heartbeatSvc = heartbeat.NewService(cfg.Agent.Workspace, cfg.Heartbeat.IntervalSecs,
		func(ctx context.Context, prompt string) (string, error) {
			return rt.loop.ProcessDirect(ctx, prompt, heartbeat.SessionKey, "heartbeat", "system")
		}, log)

	rt.channels = channels.NewManager(rt.bus, log)
	if withChannels {
		rt.channels.Register(channels.NewCLIChannel(os.Stdin, os.Stdout, rt.bus))
	}

	rt.gateway = gateway.NewHandler(rt.loop, rt.sessions, rt.cronSvc, rt.bus, rt.subagents, cfg, log)
	return rt, nil
}

// onCronJob runs one scheduled job through the agent loop and optionally
// delivers the reply to the job's target conversation.
func (rt *runtime) onCronJob(job *cron.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	sessionKey := "cron:" + job.ID
	reply, err := rt.loop.ProcessDirect(ctx, job.Payload.Message, sessionKey, job.Payload.Channel, job.Payload.To)
	if err != nil {
		return err
	}
	if job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "" {
		rt.bus.PublishOutbound(bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: reply,
		})
	}
	return nil
}

// registerBaseTools registers the tools shared by the main agent and
// subagents.
func registerBaseTools(r *tools.Registry, cfg *config.Config, index *memory.Index) {
	ws := cfg.Agent.Workspace
	restrict := cfg.Agent.RestrictToWorkspace
	r.Register(tools.NewReadFileTool(ws, restrict))
	r.Register(tools.NewWriteFileTool(ws, restrict))
	r.Register(tools.NewAppendFileTool(ws, restrict))
	r.Register(tools.NewEditFileTool(ws, restrict))
	r.Register(tools.NewListDirTool(ws, restrict))
	r.Register(tools.NewExecTool(ws, restrict, cfg.Tools.ExecTimeoutSecs))
	r.Register(tools.NewWebFetchTool(0))
	if search := tools.NewWebSearchTool(cfg.Tools.WebSearchAPIKey); search != nil {
		r.Register(search)
	}
	if index != nil {
		r.Register(tools.NewMemorySearchTool(index))
	}
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// Run starts every service and blocks until SIGINT/SIGTERM.
func (c *RunCmd) Run(cfg *config.Config) error {
	rt, err := newRuntime(cfg, true)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	if err := rt.cronSvc.Start(); err != nil {
		return err
	}
	if cfg.Heartbeat.Enabled && !c.NoHeartbeat {
		rt.heartbeatSvc.Start(ctx)
	}
	go rt.bus.DispatchOutbound(ctx)
	rt.channels.StartAll(ctx)
	if cfg.Gateway.Enabled && !c.NoGateway {
		go func() {
			if err := rt.gateway.Serve(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
			}
		}()
	}

	go rt.loop.Run(ctx)

	<-ctx.Done()

	// Orderly shutdown: stop producers, wait for subagents, then the
	// consumer and the bus.
	rt.channels.StopAll()
	rt.heartbeatSvc.Stop()
	rt.cronSvc.Stop()
	rt.subagents.Shutdown(10 * time.Second)
	rt.loop.Stop()
	rt.bus.Stop()
	return nil
}

// Run sends one message through the loop and prints the reply.
func (c *AgentCmd) Run(cfg *config.Config) error {
	rt, err := newRuntime(cfg, false)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	reply, err := rt.loop.ProcessDirect(ctx, c.Message, c.SessionKey, "cli", "user")
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

// Run lists stored sessions.
func (c *SessionsListCmd) Run(cfg *config.Config) error {
	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	store, err := session.NewStore(filepath.Join(cfg.Agent.Workspace, "sessions"), log)
	if err != nil {
		return err
	}
	infos, err := store.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, info := range infos {
		fmt.Printf("%-40s %4d messages  %s\n", info.Key, info.MessageCount, info.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

// Run replays one session transcript.
func (c *SessionsReplayCmd) Run(cfg *config.Config) error {
	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	store, err := session.NewStore(filepath.Join(cfg.Agent.Workspace, "sessions"), log)
	if err != nil {
		return err
	}

	render := func() (string, error) {
		store.Invalidate(c.Key)
		return replay.Render(store.GetOrCreate(c.Key)), nil
	}

	if c.Plain {
		content, _ := render()
		fmt.Print(content)
		return nil
	}
	pager := replay.NewPager("robun session " + c.Key)
	if c.Follow {
		return pager.RunLive(store.Path(c.Key), render)
	}
	content, _ := render()
	return pager.Run(content)
}

// Run lists cron jobs.
func (c *CronListCmd) Run(cfg *config.Config) error {
	svc, err := openCron(cfg)
	if err != nil {
		return err
	}
	jobs := svc.ListJobs(c.All)
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, j := range jobs {
		next := "never"
		if j.State.NextRunAtMs != nil {
			next = time.UnixMilli(*j.State.NextRunAtMs).Local().Format(time.RFC3339)
		}
		state := "enabled"
		if !j.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s  %-8s %-9s next=%-25s %s\n", j.ID, j.Schedule.Kind, state, next, j.Name)
	}
	return nil
}

// Run adds a cron job.
func (c *CronAddCmd) Run(cfg *config.Config) error {
	svc, err := openCron(cfg)
	if err != nil {
		return err
	}

	var schedule cron.Schedule
	switch {
	case c.At != "":
		at, err := time.Parse(time.RFC3339, c.At)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		schedule = cron.Schedule{Kind: cron.ScheduleAt, AtMs: at.UnixMilli()}
	case c.Every != "":
		every, err := time.ParseDuration(c.Every)
		if err != nil {
			return fmt.Errorf("invalid --every: %w", err)
		}
		schedule = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: every.Milliseconds()}
	case c.Expr != "":
		schedule = cron.Schedule{Kind: cron.ScheduleCron, Expr: c.Expr, TZ: c.TZ}
	default:
		return fmt.Errorf("one of --at, --every, or --expr is required")
	}

	name := c.Name
	if name == "" {
		name = c.Message
	}
	job, err := svc.AddJob(name, schedule, cron.Payload{
		Message: c.Message,
		Deliver: c.Channel != "" && c.To != "",
		Channel: c.Channel,
		To:      c.To,
		Kind:    cron.KindAgentTurn,
	}, c.DeleteAfterRun)
	if err != nil {
		return err
	}
	fmt.Printf("added job %s\n", job.ID)
	return nil
}

// Run removes a cron job.
func (c *CronRmCmd) Run(cfg *config.Config) error {
	svc, err := openCron(cfg)
	if err != nil {
		return err
	}
	removed, err := svc.RemoveJob(c.ID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("job %s not found", c.ID)
	}
	fmt.Printf("removed job %s\n", c.ID)
	return nil
}

// openCron opens the cron store without arming the timer, for CLI
// management commands.
func openCron(cfg *config.Config) (*cron.Service, error) {
	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	svc := cron.NewService(filepath.Join(cfg.Agent.Workspace, "cron", "jobs.json"), nil, log)
	if err := svc.Load(); err != nil {
		return nil, err
	}
	return svc, nil
}

// Run prints version information.
func (c *VersionCmd) Run(cfg *config.Config) error {
	fmt.Printf("robun %s (commit %s)\n", version, commit)
	return nil
}
