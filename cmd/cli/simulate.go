package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"chatassign/internal/config"
	"chatassign/internal/models"
	"chatassign/internal/services"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// simulateOptions 模拟参数
type simulateOptions struct {
	Agents   int
	Sessions int
	Rounds   int
	// Offline 在第一轮之后下线的客服编号（从 1 开始），0 表示不下线
	Offline   int
	Overrides []string
}

var simOpts simulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Dry-run reassignment decisions against an in-memory store",
	Long: `Open sessions against a set of online agents, then repeatedly mark every user as
gone and print each reassignment outcome. Nothing is written to the real
database and no notifications leave the process.`,
	Example: "  chatassign simulate --agents 3 --sessions 4 --rounds 5 --set chat_assignment_strategy=round_robin",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runSimulation(cmd.Context(), cfg, simOpts, os.Stdout)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simOpts.Agents, "agents", 3, "number of online agents")
	simulateCmd.Flags().IntVar(&simOpts.Sessions, "sessions", 4, "number of chats to open")
	simulateCmd.Flags().IntVar(&simOpts.Rounds, "rounds", 4, "user-left rounds to play")
	simulateCmd.Flags().IntVar(&simOpts.Offline, "offline-agent", 0, "take agent N offline after the first round")
	simulateCmd.Flags().StringArrayVar(&simOpts.Overrides, "set", nil, "override a setting (key=value), repeatable")
	rootCmd.AddCommand(simulateCmd)
}

func simAgentID(n int) string { return "agent-" + strconv.Itoa(n) }

func runSimulation(ctx context.Context, cfg *config.Config, opts simulateOptions, out io.Writer) error {
	if opts.Agents < 0 || opts.Sessions <= 0 || opts.Rounds < 0 {
		return fmt.Errorf("agents, sessions and rounds must be positive")
	}
	overrides, err := parseAssignments(opts.Overrides)
	if err != nil {
		return err
	}
	settings, err := services.DefaultSettings(cfg.Reassignment).ApplyValues(overrides)
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	db, err := gorm.Open(sqlite.Open("file:chatassign_simulate?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open simulation store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return err
	}

	clk := clock.NewMock()
	clk.Set(time.Now())
	provider := services.StaticSettingsProvider{Settings: settings}
	store := services.NewGormStore(db, logger)
	registry := services.NewPresenceRegistry(clk, logger)
	registry.SetStore(store)
	sink := &services.RecordingSink{}
	dispatcher := services.NewNotificationDispatcher(sink, sink, provider, 0, logger)
	orch := services.NewReassignmentOrchestrator(store, registry, services.NewAssignmentPolicy(), provider, dispatcher, logger)
	orch.SetClock(clk)

	for i := 1; i <= opts.Agents; i++ {
		registry.SetOnline(ctx, simAgentID(i))
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tSESSION\tTRIGGER\tFROM\tTO\tOUTCOME\tCOUNT\tLOCKED")
	emit := func(round string, o *services.AssignmentOutcome) {
		if o == nil {
			return
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%t\n",
			round, o.SessionID, o.Trigger, dash(o.PreviousAgentID), dash(o.NewAgentID), o.Outcome, o.ReassignmentCount, o.Locked)
	}

	ids := make([]string, 0, opts.Sessions)
	for i := 1; i <= opts.Sessions; i++ {
		sess, outcome, err := orch.OpenSession(ctx, "user-"+strconv.Itoa(i))
		if err != nil {
			return err
		}
		ids = append(ids, sess.ID)
		emit("open", outcome)
	}

	step := settings.CooldownWindow + time.Second
	for round := 1; round <= opts.Rounds; round++ {
		clk.Add(step)
		label := strconv.Itoa(round)
		for _, id := range ids {
			outcome, err := orch.HandleUserLeft(ctx, id)
			if err != nil {
				return err
			}
			emit(label, outcome)
		}
		if round == 1 && opts.Offline > 0 && opts.Offline <= opts.Agents {
			agentID := simAgentID(opts.Offline)
			registry.SetOffline(ctx, agentID)
			outcomes, err := orch.HandleAgentOffline(ctx, agentID)
			if err != nil {
				return err
			}
			for i := range outcomes {
				emit(label, &outcomes[i])
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	dispatcher.Close()
	assigned, failures, events := sink.Snapshot()
	fmt.Fprintf(out, "\nagent notifications: %d, admin alerts: %d, audit events: %d\n", len(assigned), len(failures), len(events))
	for _, p := range registry.Snapshot() {
		fmt.Fprintf(out, "%s online=%t active_chats=%d\n", p.AgentID, p.IsOnline, p.ActiveChatCount)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
