package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planlock/internal/app"
	"planlock/internal/archive"
	"planlock/internal/config"
	"planlock/internal/db"
	"planlock/internal/domain"
	"planlock/internal/engine"
	"planlock/internal/events"
	"planlock/internal/migrate"
	"planlock/internal/repo"
	"planlock/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "plk",
	Short: "Planlock CLI",
	Long: `Planlock manages the lifecycle of optimization plans: import a scenario,
solve it, audit the result, lock it with sealed evidence, and repair it
when the day goes sideways.

Concepts:
- Scenario: one day's demand (stops) and supply (resources) for a site. Immutable after the first solve.
- Plan: one solve attempt; versions of a scenario form an append-only chain.
- Audit: deterministic checks (coverage, overlap, rest, skills, capacity, site, freeze) that gate locking.
- Lock: the operational commitment; sealing writes a tamper-evident evidence record.
- Freeze: pins individual assignments so repairs route around them. A badge, not a status.
- Repair: two-phase response to a disruption; preview the diff, then apply it as a new version.
- Event log: diary of changes, view with 'plk log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("admin", false, "act with admin privileges")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("admin", rootCmd.PersistentFlags().Lookup("admin"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(scenarioCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(solveCmd())
	rootCmd.AddCommand(repairCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage tenant policy config"}

	var tenant string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default planlock.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return fmt.Errorf("--tenant-id required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(tenant)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&tenant, "tenant-id", "", "tenant id")
	_ = initCmd.MarkFlagRequired("tenant-id")
	cfg.AddCommand(initCmd)

	cfg.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Validate planlock.yml and store it for the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.FromFile(config.Path(viper.GetString("workspace")))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ImportTenantConfig(ctx, loaded, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("imported config for tenant", loaded.Tenant.ID)
				return nil
			})
		},
	})

	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored tenant config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	var siteID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tenant scenario counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scenarios, err := e.Repo.ListScenarios(ctx, e.Config.Tenant.ID, siteID)
				if err != nil {
					return err
				}
				open, frozen := 0, 0
				for _, sc := range scenarios {
					if sc.Status == domain.ScenarioFrozen {
						frozen++
					} else {
						open++
					}
				}
				out := map[string]any{
					"tenant_id":        e.Config.Tenant.ID,
					"scenarios_open":   open,
					"scenarios_frozen": frozen,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Tenant: %s\n", e.Config.Tenant.ID)
				fmt.Printf("Scenarios: %d open, %d frozen\n", open, frozen)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "filter by site id")
	return cmd
}

// scenarioFile is the JSON shape accepted by 'plk scenario create --file'.
type scenarioFile struct {
	ID        string            `json:"id,omitempty"`
	SiteID    string            `json:"site_id"`
	Vertical  string            `json:"vertical"`
	PlanDate  string            `json:"plan_date"`
	Stops     []domain.Stop     `json:"stops"`
	Resources []domain.Resource `json:"resources"`
}

func scenarioCmd() *cobra.Command {
	sc := &cobra.Command{Use: "scenario", Short: "Manage scenarios"}

	var file string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Import a scenario from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var in scenarioFile
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateScenario(ctx, engine.ScenarioCreateOptions{
					ID:        in.ID,
					TenantID:  e.Config.Tenant.ID,
					SiteID:    in.SiteID,
					Vertical:  in.Vertical,
					PlanDate:  in.PlanDate,
					Stops:     in.Stops,
					Resources: in.Resources,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	createCmd.Flags().StringVar(&file, "file", "", "scenario JSON file")
	_ = createCmd.MarkFlagRequired("file")
	sc.AddCommand(createCmd)

	sc.AddCommand(&cobra.Command{
		Use:   "show <scenario-id>",
		Short: "Show a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				got, err := e.GetScenario(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(got)
			})
		},
	})

	sc.AddCommand(&cobra.Command{
		Use:   "plans <scenario-id>",
		Short: "List plan versions of a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetScenario(ctx, e.Config.Tenant.ID, args[0]); err != nil {
					return err
				}
				plans, err := e.Repo.ListPlans(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Plan ID", "Status", "Badge", "Updated"})
				for _, p := range plans {
					badge, err := e.FreezeBadge(ctx, p.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{p.Version, p.ID, p.Status, badge, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return sc
}

func planCmd() *cobra.Command {
	pl := &cobra.Command{Use: "plan", Short: "Inspect and advance plans"}

	pl.AddCommand(&cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPlanScoped(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				badge, err := e.FreezeBadge(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"plan": p, "freeze_badge": badge})
			})
		},
	})

	pl.AddCommand(&cobra.Command{
		Use:   "assignments <plan-id>",
		Short: "List plan assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetPlanScoped(ctx, e.Config.Tenant.ID, args[0]); err != nil {
					return err
				}
				assignments, err := e.Repo.ListAssignments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(assignments)
				}
				frozen, err := e.Repo.ActiveFreezeSet(ctx, args[0])
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stop", "Resource", "Start", "End", "Load", "Frozen"})
				for _, a := range assignments {
					tw.AppendRow(table.Row{a.StopID, a.ResourceID, a.StartAt, a.EndAt, a.Load, frozen[a.StopID]})
				}
				tw.Render()
				return nil
			})
		},
	})

	pl.AddCommand(&cobra.Command{
		Use:   "audit <plan-id>",
		Short: "Run the audit battery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RunAudit(ctx, e.Config.Tenant.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Plan %s -> %s (verdict %s)\n", out.PlanID, out.Status, out.Verdict)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Check", "Status", "Violations"})
				for _, r := range out.Results {
					tw.AppendRow(table.Row{r.CheckName, r.Status, r.ViolationCount})
				}
				tw.Render()
				return nil
			})
		},
	})

	var override bool
	var reason string
	lockCmd := &cobra.Command{
		Use:   "lock <plan-id>",
		Short: "Lock an audited plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Lock(ctx, engine.LockOptions{
					TenantID: e.Config.Tenant.ID,
					PlanID:   args[0],
					ActorID:  viper.GetString("actor-id"),
					Override: override,
					Reason:   reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	lockCmd.Flags().BoolVar(&override, "override", false, "lock despite audit warnings")
	lockCmd.Flags().StringVar(&reason, "reason", "", "override reason")
	pl.AddCommand(lockCmd)

	var freezeReason string
	freezeCmd := &cobra.Command{
		Use:   "freeze <plan-id> <stop-id>...",
		Short: "Pin assignments of a locked plan",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.FreezeAssignments(ctx, engine.FreezeOptions{
					TenantID: e.Config.Tenant.ID,
					PlanID:   args[0],
					StopIDs:  args[1:],
					ActorID:  viper.GetString("actor-id"),
					Reason:   freezeReason,
				})
			})
		},
	}
	freezeCmd.Flags().StringVar(&freezeReason, "reason", "", "freeze reason")
	_ = freezeCmd.MarkFlagRequired("reason")
	pl.AddCommand(freezeCmd)

	var unfreezeReason string
	unfreezeCmd := &cobra.Command{
		Use:   "unfreeze <plan-id> <stop-id>...",
		Short: "Release freeze marks (admin only)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UnfreezeAssignments(ctx, engine.FreezeOptions{
					TenantID: e.Config.Tenant.ID,
					PlanID:   args[0],
					StopIDs:  args[1:],
					ActorID:  viper.GetString("actor-id"),
					Admin:    viper.GetBool("admin"),
					Reason:   unfreezeReason,
				})
			})
		},
	}
	unfreezeCmd.Flags().StringVar(&unfreezeReason, "reason", "", "unfreeze reason")
	_ = unfreezeCmd.MarkFlagRequired("reason")
	pl.AddCommand(unfreezeCmd)

	var freezeUntil string
	publishCmd := &cobra.Command{
		Use:   "publish <plan-id>",
		Short: "Publish an immutable snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Publish(ctx, e.Config.Tenant.ID, args[0], viper.GetString("actor-id"), freezeUntil)
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	publishCmd.Flags().StringVar(&freezeUntil, "freeze-until", "", "downstream freeze horizon (RFC3339)")
	pl.AddCommand(publishCmd)

	pl.AddCommand(&cobra.Command{
		Use:   "snapshots <plan-id>",
		Short: "List published snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetPlanScoped(ctx, e.Config.Tenant.ID, args[0]); err != nil {
					return err
				}
				snaps, err := e.Repo.ListSnapshots(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snaps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Freeze Until", "Created"})
				for _, s := range snaps {
					tw.AppendRow(table.Row{s.ID, s.VersionNumber, s.FreezeUntil, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	pl.AddCommand(&cobra.Command{
		Use:   "supersede <plan-id>",
		Short: "Retire a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Supersede(ctx, e.Config.Tenant.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return pl
}

func solveCmd() *cobra.Command {
	sv := &cobra.Command{Use: "solve", Short: "Run and manage solves"}

	var seed int64
	startCmd := &cobra.Command{
		Use:   "start <scenario-id>",
		Short: "Create the next plan version and solve it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sc, err := e.GetScenario(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				started, err := e.StartSolve(ctx, engine.SolveOptions{
					TenantID:   e.Config.Tenant.ID,
					SiteID:     sc.SiteID,
					ScenarioID: args[0],
					Seed:       seed,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				// The CLI runs the job inline; the server runs it async.
				if err := e.RunSolveJob(ctx, started.JobID); err != nil {
					return err
				}
				job, err := e.Repo.GetSolveJob(ctx, started.JobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"plan_id": started.PlanID, "version": started.Version, "job": job})
			})
		},
	}
	startCmd.Flags().Int64Var(&seed, "seed", 0, "solver seed")
	sv.AddCommand(startCmd)

	var retrySeed int64
	retryCmd := &cobra.Command{
		Use:   "retry <plan-id>",
		Short: "Re-solve a plan after a failed or warned audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				started, err := e.Resolve(ctx, e.Config.Tenant.ID, args[0], retrySeed, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if err := e.RunSolveJob(ctx, started.JobID); err != nil {
					return err
				}
				job, err := e.Repo.GetSolveJob(ctx, started.JobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"plan_id": started.PlanID, "version": started.Version, "job": job})
			})
		},
	}
	retryCmd.Flags().Int64Var(&retrySeed, "seed", 0, "solver seed")
	sv.AddCommand(retryCmd)

	sv.AddCommand(&cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a solve job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.Repo.GetSolveJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	})

	sv.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running solve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.CancelSolve(ctx, e.Config.Tenant.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	})
	return sv
}

func repairCmd() *cobra.Command {
	rp := &cobra.Command{Use: "repair", Short: "Preview and apply repairs"}

	var eventType string
	var affected []string
	eventCmd := &cobra.Command{
		Use:   "event <plan-id>",
		Short: "Record a disruption against a locked plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CreateRepairEvent(ctx, engine.RepairEventOptions{
					TenantID:    e.Config.Tenant.ID,
					PlanID:      args[0],
					EventType:   domain.RepairEventType(eventType),
					AffectedIDs: affected,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	eventCmd.Flags().StringVar(&eventType, "type", "", "NO_SHOW, VEHICLE_DOWN, DELAY or MANUAL")
	eventCmd.Flags().StringSliceVar(&affected, "affected", nil, "affected stop/resource ids")
	_ = eventCmd.MarkFlagRequired("type")
	_ = eventCmd.MarkFlagRequired("affected")
	rp.AddCommand(eventCmd)

	rp.AddCommand(&cobra.Command{
		Use:   "preview <event-id>",
		Short: "Compute the repair diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				preview, err := e.PreviewRepair(ctx, e.Config.Tenant.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(preview)
				}
				s := preview.Diff.Summary
				fmt.Printf("Preview %s (verdict %s, expires %s)\n", preview.ID, preview.Verdict, preview.ExpiresAt)
				fmt.Printf("  removed=%d added=%d modified=%d\n", len(preview.Diff.Removed), len(preview.Diff.Added), len(preview.Diff.Modified))
				fmt.Printf("  uncovered %d -> %d, churn %d assignments / %d resources\n",
					s.UncoveredBefore, s.UncoveredAfter, s.ChurnAssignmentCount, s.ChurnDriverCount)
				for _, v := range preview.Diff.Violations {
					fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Kind, v.Detail)
				}
				return nil
			})
		},
	})

	var override bool
	var reason string
	applyCmd := &cobra.Command{
		Use:   "apply <preview-id>",
		Short: "Apply a previewed repair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.ApplyRepair(ctx, engine.ApplyRepairOptions{
					TenantID:  e.Config.Tenant.ID,
					PreviewID: args[0],
					ActorID:   viper.GetString("actor-id"),
					Override:  override,
					Reason:    reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	applyCmd.Flags().BoolVar(&override, "override", false, "apply despite a BLOCK verdict")
	applyCmd.Flags().StringVar(&reason, "reason", "", "override reason")
	rp.AddCommand(applyCmd)
	return rp
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{Use: "evidence", Short: "Inspect sealed evidence"}

	ev.AddCommand(&cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show the evidence record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetPlanScoped(ctx, e.Config.Tenant.ID, args[0]); err != nil {
					return err
				}
				rec, err := e.Repo.GetEvidence(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	})

	ev.AddCommand(&cobra.Command{
		Use:   "verify <plan-id>",
		Short: "Recompute and compare evidence hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.VerifyEvidence(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Plan %s: %s\n", report.PlanID, report.Verdict)
				for _, m := range report.Mismatches {
					fmt.Printf("  %s: stored %s != computed %s\n", m.Component, m.Stored, m.Computed)
				}
				return nil
			})
		},
	})

	var out string
	exportCmd := &cobra.Command{
		Use:   "export <plan-id>",
		Short: "Export the evidence bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bundle, key, err := e.ExportEvidence(ctx, e.Config.Tenant.ID, args[0])
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(string(bundle))
					return nil
				}
				if err := os.WriteFile(out, bundle, 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", out)
				if key != "" {
					fmt.Println("archived to", key)
				}
				return nil
			})
		},
	}
	exportCmd.Flags().StringVar(&out, "out", "", "write the bundle to a file")
	ev.AddCommand(exportCmd)
	return ev
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx, e.Config.Tenant.ID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	tailCmd.Flags().IntVar(&n, "n", 20, "number of events")
	lg.AddCommand(tailCmd)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var kafkaBrokers []string
	var kafkaTopic, s3Bucket, s3Prefix string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), workspace, viper.GetString("tenant"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)

			if len(kafkaBrokers) > 0 {
				notifier, err := events.NewNotifier(events.NotifierConfig{Brokers: kafkaBrokers, Topic: kafkaTopic})
				if err != nil {
					return err
				}
				defer notifier.Close()
				e.Notifier = notifier
			}
			if s3Bucket != "" {
				archiver, err := archive.NewS3Archiver(cmd.Context(), s3Bucket, s3Prefix)
				if err != nil {
					return err
				}
				e.Archiver = archiver
			}

			authCfg := server.AuthConfig{
				ActiveSecret:   os.Getenv("PLANLOCK_SIGNING_SECRET"),
				PreviousSecret: os.Getenv("PLANLOCK_SIGNING_SECRET_PREVIOUS"),
				JWTSecret:      os.Getenv("PLANLOCK_JWT_SECRET"),
				Skew:           cfg.SignatureSkew(),
			}
			if authCfg.ActiveSecret == "" {
				return fmt.Errorf("PLANLOCK_SIGNING_SECRET is required for the signed gateway")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Planlock API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringSliceVar(&kafkaBrokers, "kafka-broker", nil, "kafka broker for plan notifications")
	cmd.Flags().StringVar(&kafkaTopic, "kafka-topic", "planlock.plans", "kafka topic for plan notifications")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket for evidence archives")
	cmd.Flags().StringVar(&s3Prefix, "s3-prefix", "planlock", "S3 key prefix for evidence archives")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveTenantAndConfig(ctx, workspace, viper.GetString("tenant"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
