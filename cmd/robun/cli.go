// Package main defines the robun CLI structure using kong.
package main

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run the agent runtime (channels, cron, heartbeat, gateway)"`
	Agent    AgentCmd    `cmd:"" help:"Send one message to the agent and print the reply"`
	Sessions SessionsCmd `cmd:"" help:"Inspect stored sessions"`
	Cron     CronCmd     `cmd:"" help:"Manage scheduled jobs"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`

	Config string `help:"Config file path (default ~/.robun/config.toml)"`
}

// RunCmd starts the full runtime.
type RunCmd struct {
	NoGateway   bool `help:"Disable the HTTP gateway even if enabled in config"`
	NoHeartbeat bool `help:"Disable the heartbeat service"`
}

// AgentCmd runs a single direct turn.
type AgentCmd struct {
	Message    string `short:"m" required:"" help:"Message content"`
	SessionKey string `short:"s" default:"cli:user" help:"Session key"`
}

// SessionsCmd inspects stored sessions.
type SessionsCmd struct {
	List   SessionsListCmd   `cmd:"" default:"1" help:"List sessions"`
	Replay SessionsReplayCmd `cmd:"" help:"Replay a session transcript in a pager"`
}

// SessionsListCmd lists sessions.
type SessionsListCmd struct{}

// SessionsReplayCmd replays one session.
type SessionsReplayCmd struct {
	Key    string `arg:"" help:"Session key (channel:chatId)"`
	Follow bool   `short:"f" help:"Follow the live session file"`
	Plain  bool   `help:"Print to stdout instead of the pager"`
}

// CronCmd manages scheduled jobs.
type CronCmd struct {
	List CronListCmd `cmd:"" default:"1" help:"List jobs"`
	Add  CronAddCmd  `cmd:"" help:"Add a job"`
	Rm   CronRmCmd   `cmd:"" help:"Remove a job"`
}

// CronListCmd lists jobs.
type CronListCmd struct {
	All bool `help:"Include disabled jobs"`
}

// CronAddCmd adds a job. One of --at, --every, or --expr selects the
// schedule; when several are given, --at wins over --every and --every
// over --expr.
type CronAddCmd struct {
	Name           string `help:"Job name"`
	Message        string `required:"" help:"Message delivered to the agent when the job fires"`
	At             string `help:"One-shot fire time (RFC3339)"`
	Every          string `help:"Interval (Go duration, e.g. 30m)"`
	Expr           string `help:"5-field cron expression"`
	TZ             string `help:"Timezone for --expr"`
	Channel        string `help:"Deliver the reply to this channel"`
	To             string `help:"Deliver the reply to this chat id"`
	DeleteAfterRun bool   `help:"Remove a one-shot job after it fires"`
}

// CronRmCmd removes a job.
type CronRmCmd struct {
	ID string `arg:"" help:"Job id"`
}

// VersionCmd prints version information.
type VersionCmd struct{}
