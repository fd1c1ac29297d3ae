package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tideline/internal/app"
	"tideline/internal/config"
	"tideline/internal/db"
	"tideline/internal/domain"
	"tideline/internal/engine"
	"tideline/internal/engine/auth"
	"tideline/internal/migrate"
	"tideline/internal/repo"
	"tideline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Tideline CLI",
	Long: `Tideline tracks marine-service field projects: mobilizations, dive ops,
commissioning and demobilization.
- Workspace: your .tideline directory holding only the database; configs are stored in the DB and imported explicitly.
- Project: one marine-service job owning stages, checklists and approvals.
- Stages: ordered phases of the job; each can carry gate rules and a required approver role.
- Checklists: instantiated from templates; items are ticked by techs in the field.
- Gates: a stage only approves once all its required checklist items are complete or n/a.
- Approvals: append-only decisions, gated by the stage's required approver role when it names one; approving fires the stage's gate rule side effects.
- Event log: diary of changes, view with 'tl log tail'.`,
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
	viper.SetEnvPrefix("TIDELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "claimed role (tech, supervisor, admin); defaults to project membership")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default(id)
			}
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), engine.ProjectInitOptions{
				ID:          id,
				Name:        name,
				Description: desc,
				ActorID:     viper.GetString("actor-id"),
				Config:      cfg,
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, status, description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				opts := engine.ProjectUpdateOptions{ID: target, ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("status") {
					opts.Status = &status
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				p, err := e.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&status, "status", "", "status (active, on_hold, completed, archived)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.DeleteProject(ctx, target, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "TIDELINE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set TIDELINE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigInitCmd())
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigValidateCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func projectConfigInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter tideline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "my-job", "project id to seed into the config")
	return cmd
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.ApplyConfig(ctx, projectID, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{
		Use:   "stage",
		Short: "Manage stages",
		Long:  "Stages are the ordered phases of a job (mobilization, dive ops, commissioning, demob). Each carries gate rules and a required approver role.",
	}
	stage.AddCommand(stageCreateCmd())
	stage.AddCommand(stageListCmd())
	stage.AddCommand(stageUpdateCmd())
	return stage
}

func stageCreateCmd() *cobra.Command {
	var name, approverRole string
	var order int
	var forms, reservations []string
	var commissioning bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				spec := engine.StageSpec{
					Name:  name,
					Order: order,
					GateRules: domain.GateRules{
						RequiredForms:          forms,
						InventoryReservations:  reservations,
						EquipmentCommissioning: commissioning,
					},
					RequiredApproverRole: approverRole,
				}
				stages, err := e.CreateStages(ctx, e.Config.Project.ID, []engine.StageSpec{spec}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(stages[0])
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().IntVar(&order, "order", 0, "stage order")
	cmd.Flags().StringArrayVar(&forms, "required-form", []string{}, "safety form created on approval (repeatable)")
	cmd.Flags().StringArrayVar(&reservations, "reserve-item", []string{}, "inventory item reserved on approval (repeatable)")
	cmd.Flags().BoolVar(&commissioning, "commissioning", false, "seed a commissioning job on approval")
	cmd.Flags().StringVar(&approverRole, "approver-role", "", "required approver role (tech, supervisor, admin)")
	return cmd
}

func stageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages with completion and approval status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.ListStagesWithProgress(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Order", "Complete", "Approval"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Order, fmt.Sprintf("%d%%", s.CompletionPercentage), s.ApprovalStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stageUpdateCmd() *cobra.Command {
	var id, name, approverRole string
	var order int
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.StageUpdateOptions{ID: id, ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("order") {
					opts.Order = &order
				}
				if cmd.Flags().Changed("approver-role") {
					opts.RequiredApproverRole = &approverRole
				}
				s, err := e.UpdateStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "stage id")
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().IntVar(&order, "order", 0, "stage order")
	cmd.Flags().StringVar(&approverRole, "approver-role", "", "required approver role")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage checklist templates",
	}
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateImportCmd())
	return tpl
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a template with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tpl, err := r.GetTemplateByName(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tpl)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Label", "Type", "Required"})
				for _, item := range tpl.Items {
					tw.AppendRow(table.Row{item.Position, item.Label, item.Type, item.Required})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateImportCmd() *cobra.Command {
	var name, filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a template from a YAML spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			spec, err := config.TemplateSpecFromYAML(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.ImportTemplate(ctx, name, spec, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "template name")
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML template spec")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func checklistCmd() *cobra.Command {
	cl := &cobra.Command{
		Use:   "checklist",
		Short: "Manage checklists",
		Long:  "Checklists are live copies of templates. Bind one to a stage to make its required items gate that stage's approval.",
	}
	cl.AddCommand(checklistCreateCmd())
	cl.AddCommand(checklistListCmd())
	cl.AddCommand(checklistShowCmd())
	return cl
}

func checklistCreateCmd() *cobra.Command {
	var templateName, stageID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Instantiate a checklist from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if templateName == "" {
				return fmt.Errorf("--template required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.InstantiateChecklist(ctx, engine.ChecklistCreateOptions{
					ProjectID:    e.Config.Project.ID,
					TemplateName: templateName,
					StageID:      stageID,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&templateName, "template", "", "template name")
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id to bind to")
	return cmd
}

func checklistListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checklists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListChecklists(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Status", "Created"})
				for _, c := range items {
					stage := ""
					if c.StageID != nil {
						stage = *c.StageID
					}
					tw.AppendRow(table.Row{c.ID, stage, c.Status, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func checklistShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a checklist with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetChecklist(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				fmt.Printf("Checklist %s (%s) - %s\n", detail.ID, detail.TemplateName, detail.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Type", "Required", "Status", "Assignee"})
				for _, item := range detail.Items {
					assignee := ""
					if item.AssigneeID != nil {
						assignee = *item.AssigneeID
					}
					tw.AppendRow(table.Row{item.ID, item.Label, item.Type, item.Required, item.Status, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Update checklist items",
	}
	item.AddCommand(itemUpdateCmd())
	return item
}

func itemUpdateCmd() *cobra.Command {
	var id, status, value, assignee, dueAt string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a checklist item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ItemUpdateOptions{ID: id, ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("status") {
					opts.Status = &status
				}
				if cmd.Flags().Changed("value") {
					opts.Value = &value
				}
				if cmd.Flags().Changed("assignee") {
					opts.Assignee = &assignee
				}
				if cmd.Flags().Changed("due-at") {
					opts.DueAt = &dueAt
				}
				detail, err := e.UpdateChecklistItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "checklist item id")
	cmd.Flags().StringVar(&status, "status", "", "status (pending, complete, na, blocked)")
	cmd.Flags().StringVar(&value, "value", "", "item value as JSON (e.g. true, 42, \"ok\")")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee actor id (empty clears)")
	cmd.Flags().StringVar(&dueAt, "due-at", "", "due timestamp RFC3339 (empty clears)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func approveCmd() *cobra.Command {
	var stageID, decision, note string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Record a stage approval decision",
		Long:  "Approving requires every required checklist item on the stage to be complete or n/a, and your role to meet the stage's required approver role.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageID == "" {
				return fmt.Errorf("--stage required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				role, err := resolveRole(ctx, e, e.Config.Project.ID, actorID)
				if err != nil {
					return err
				}
				a, err := e.ApproveStage(ctx, engine.StageApproveOptions{
					ProjectID:    e.Config.Project.ID,
					StageID:      stageID,
					ApproverID:   actorID,
					ApproverRole: role,
					Status:       decision,
					Note:         note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&decision, "decision", "approved", "decision (approved, rejected)")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func progressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show project progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProjectProgress(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Project %s: %d%% complete\n", p.ProjectID, p.OverallPercentage)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Order", "Complete", "Status", "Approval"})
				for _, s := range p.Stages {
					tw.AppendRow(table.Row{s.Name, s.Order, fmt.Sprintf("%d%%", s.Percentage), s.Status, s.ApprovalStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func memberCmd() *cobra.Command {
	member := &cobra.Command{
		Use:   "member",
		Short: "Manage project members",
	}
	member.AddCommand(memberGrantCmd())
	member.AddCommand(memberListCmd())
	return member
}

func memberGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GrantRole(ctx, e.Config.Project.ID, target, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role (tech, supervisor, admin)")
	return cmd
}

func memberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List project members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMembers(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Role", "Since"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ActorID, m.Role, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Show my notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Type", "Message"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.CreatedAt, n.Type, n.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	key.AddCommand(apiKeyCreateCmd())
	key.AddCommand(apiKeyListCmd())
	key.AddCommand(apiKeyDeleteCmd())
	return key
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actorID := viper.GetString("actor-id")
				secret := uuid.NewString()
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// secret is shown once; only the hash is stored
				fmt.Printf("API key %s created for %s\n", key.ID, actorID)
				fmt.Printf("Secret (save it now, it is not stored): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: stage changes, checklist ticks, approvals, role grants.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TIDELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TIDELINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Tideline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// resolveRole uses the --role flag when set, otherwise the actor's project
// membership.
func resolveRole(ctx context.Context, e engine.Engine, projectID, actorID string) (auth.Role, error) {
	if claimed := viper.GetString("role"); claimed != "" {
		return auth.Parse(claimed)
	}
	svc := auth.Service{DB: e.DB}
	return svc.MemberRole(ctx, projectID, actorID)
}

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
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
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
	return fn(ctx, r)
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
