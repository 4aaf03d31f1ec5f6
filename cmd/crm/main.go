package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldcrm/internal/app"
	"fieldcrm/internal/config"
	"fieldcrm/internal/db"
	"fieldcrm/internal/domain"
	"fieldcrm/internal/engine"
	"fieldcrm/internal/engine/auth"
	"fieldcrm/internal/events"
	"fieldcrm/internal/export"
	"fieldcrm/internal/gps"
	"fieldcrm/internal/repo"
	"fieldcrm/internal/server"
	"fieldcrm/internal/views"
)

var rootCmd = &cobra.Command{
	Use:   "crm",
	Short: "Field CRM CLI",
	Long: `Field CRM schedules customer visits for a field sales team.
Core concepts:
- Workspace: the .fieldcrm directory holding the database; fieldcrm.yml next to it configures the CRM.
- Users: admins assign visits, salespeople perform them. Sign in with 'crm login'; the demo directory uses admin@crm.com/admin123 and rajesh@crm.com/sales123.
- Companies: the customers visited, with an address and contacts.
- Tasks: one scheduled visit; statuses go assigned -> in_progress -> completed. A task whose day passed without a visit shows as missed.
- Visits: 'crm task checkin' starts one with a GPS fix, 'crm task checkout' ends it and submits the report (outcome, order value, notes).
- Event log: diary of changes, view with 'crm log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

var errNotSignedIn = errors.New("not signed in; run 'crm login'")

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDCRM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(signupCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(companyCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fieldcrm.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	return cmd
}

func seedCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the demo directory, companies and tasks",
		Long:  "Seeds an empty workspace with demo data dated relative to today. --reset replaces whatever is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				seeded, err := a.Seed(ctx, reset)
				if err != nil {
					return err
				}
				if !seeded {
					fmt.Println("Workspace already has data; use --reset to replace it.")
					return nil
				}
				fmt.Printf("Seeded %d users, %d companies, %d tasks.\n", len(a.Store.Users()), len(a.Store.Companies()), len(a.Store.Tasks()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "replace existing data")
	return cmd
}

func loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = viper.GetString("password")
			}
			if email == "" || password == "" {
				return fmt.Errorf("--email and --password (or FIELDCRM_PASSWORD) required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Directory.Authenticate(ctx, email, password)
				if err != nil {
					return err
				}
				if u == nil {
					return errors.New("invalid email or password")
				}
				var s auth.Session
				s.Login(*u)
				if err := a.Sessions.Save(ctx, s); err != nil {
					return err
				}
				if err := a.Events.Append(ctx, events.SessionLoggedIn, "user", u.ID, u.ID, events.EventPayload{"via": "cli"}); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Signed in as %s (%s). Home: %s\n", u.Name, u.Role, auth.Home(u.Role))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password")
	return cmd
}

func logoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := currentSession(ctx, a)
				if err != nil {
					return err
				}
				if err := a.Sessions.Clear(ctx); err != nil {
					return err
				}
				if s.User != nil {
					if err := a.Events.Append(ctx, events.SessionLoggedOut, "user", s.User.ID, s.User.ID, nil); err != nil {
						return err
					}
				}
				fmt.Println("Signed out.")
				return nil
			})
		},
	}
	return cmd
}

func whoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := currentSession(ctx, a)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				if !s.IsAuthenticated {
					fmt.Println("Not signed in.")
					return nil
				}
				fmt.Printf("%s <%s>\nRole: %s\nHome: %s\n", s.User.Name, s.User.Email, s.User.Role, auth.Home(s.User.Role))
				return nil
			})
		},
	}
	return cmd
}

func signupCmd() *cobra.Command {
	var in auth.SignupInput
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Register a new salesperson",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Directory.Register(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				fmt.Printf("Registered %s (%s). Sign in with 'crm login --email %s'.\n", u.Name, u.ID, u.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "full name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.Password, "password", "", "password (6+ characters)")
	cmd.Flags().StringVar(&in.ConfirmPassword, "confirm-password", "", "password again")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone number")
	return cmd
}

func dashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show the dashboard of the signed-in role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/", func(ctx context.Context, a *app.App, s auth.Session) error {
				return printDashboard(a, s)
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage the sales team (admin)"}
	cmd.AddCommand(userListCmd())
	cmd.AddCommand(userAddCmd())
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List salespeople with their task stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin/users", func(ctx context.Context, a *app.App, s auth.Session) error {
				team := views.SalesTeam(a.Store.Snapshot(), a.Clock())
				if viper.GetBool("json") {
					return printJSON(team)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Phone", "Total", "Today", "Completed", "Rate"})
				for _, st := range team {
					tw.AppendRow(table.Row{st.User.ID, st.User.Name, st.User.Email, st.User.Phone, st.TotalTasks, st.TodayTasks, st.CompletedTasks, fmt.Sprintf("%d%%", st.CompletionRate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userAddCmd() *cobra.Command {
	var in engine.UserInput
	var role, password string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin/users", func(ctx context.Context, a *app.App, s auth.Session) error {
				r, err := domain.ParseRole(role)
				if err != nil {
					return err
				}
				in.Role = r
				u, err := a.Directory.Create(ctx, in, password, s.User.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "full name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleSales), "admin or sales")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	return cmd
}

func companyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "company", Short: "Manage companies (admin)"}
	cmd.AddCommand(companyListCmd())
	cmd.AddCommand(companyShowCmd())
	cmd.AddCommand(companyAddCmd())
	cmd.AddCommand(companyUpdateCmd())
	return cmd
}

func companyListCmd() *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List companies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin/companies", func(ctx context.Context, a *app.App, s auth.Session) error {
				rows := views.CompanyOverviews(a.Store.Snapshot(), search, a.Clock())
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "City", "Tasks", "Visits", "Last visit", "Next visit"})
				for _, ov := range rows {
					last, next := "-", "-"
					if ov.LastVisit != nil {
						last = formatLocal(ov.LastVisit.SubmittedAt, a.Location)
					}
					if ov.NextVisit != nil {
						next = formatLocal(ov.NextVisit.DueAt, a.Location)
					}
					tw.AppendRow(table.Row{ov.Company.ID, ov.Company.Name, ov.Company.Address.City, ov.TotalTasks, ov.TotalVisits, last, next})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "match name, city or state")
	return cmd
}

func companyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <company-id>",
		Short: "Show a company with its visits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin/companies", func(ctx context.Context, a *app.App, s auth.Session) error {
				clk := a.Clock()
				d, ok := views.Company(a.Store.Snapshot(), args[0], clk)
				if !ok {
					return fmt.Errorf("company %s not found", args[0])
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				c := d.Company
				fmt.Printf("%s (%s)\n", c.Name, c.ID)
				fmt.Printf("Address: %s\n", joinNonEmpty(", ", c.Address.Line1, c.Address.City, c.Address.State, c.Address.Pincode))
				for _, ct := range c.Contacts {
					fmt.Printf("Contact: %s\n", joinNonEmpty(" | ", ct.Name, ct.Role, ct.Phone, ct.Email))
				}
				fmt.Printf("Tasks: %d  Visits: %d\n", d.TotalTasks, d.TotalVisits)
				printTaskTable(d.Tasks, clk, a.Location)
				for _, m := range d.Markers {
					fmt.Printf("Check-in: %s at %s\n", m.Title, gps.DirectionsURL(gps.Point{Lat: m.Lat, Lng: m.Lng}, nil))
				}
				return nil
			})
		},
	}
	return cmd
}

func companyAddCmd() *cobra.Command {
	var in engine.CompanyInput
	var contact domain.Contact
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a company",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin/companies", func(ctx context.Context, a *app.App, s auth.Session) error {
				if contact.Name != "" {
					in.Contacts = append(in.Contacts, contact)
				}
				c, err := a.Engine.AddCompany(ctx, in, s.User.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	addAddressFlags(cmd, &in.Address)
	cmd.Flags().StringVar(&in.Name, "name", "", "company name")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&contact.Name, "contact-name", "", "primary contact name")
	cmd.Flags().StringVar(&contact.Role, "contact-role", "", "primary contact role")
	cmd.Flags().StringVar(&contact.Phone, "contact-phone", "", "primary contact phone")
	cmd.Flags().StringVar(&contact.Email, "contact-email", "", "primary contact email")
	return cmd
}

func companyUpdateCmd() *cobra.Command {
	var name, notes string
	var addr domain.Address
	cmd := &cobra.Command{
		Use:   "update <company-id>",
		Short: "Update a company",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin/companies", func(ctx context.Context, a *app.App, s auth.Session) error {
				var up engine.CompanyUpdate
				if cmd.Flags().Changed("name") {
					up.Name = &name
				}
				if cmd.Flags().Changed("notes") {
					up.Notes = &notes
				}
				if anyChanged(cmd, "line1", "city", "state", "pincode") {
					current, err := a.Store.Company(args[0])
					if err != nil {
						return err
					}
					merged := current.Address
					if cmd.Flags().Changed("line1") {
						merged.Line1 = addr.Line1
					}
					if cmd.Flags().Changed("city") {
						merged.City = addr.City
					}
					if cmd.Flags().Changed("state") {
						merged.State = addr.State
					}
					if cmd.Flags().Changed("pincode") {
						merged.Pincode = addr.Pincode
					}
					up.Address = &merged
				}
				c, err := a.Engine.UpdateCompany(ctx, args[0], up, s.User.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	addAddressFlags(cmd, &addr)
	cmd.Flags().StringVar(&name, "name", "", "company name")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage visits"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskAssignCmd())
	cmd.AddCommand(taskEditCmd())
	cmd.AddCommand(taskMineCmd())
	cmd.AddCommand(taskCheckInCmd())
	cmd.AddCommand(taskCheckOutCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var window, status, outcome, salesperson, company, search, sortOrder string
	var page int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all tasks (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin/tasks", func(ctx context.Context, a *app.App, s auth.Session) error {
				q := views.TaskQuery{SalespersonID: salesperson, CompanyID: company, Search: search, Sort: views.SortDueDesc}
				var err error
				if q.Window, err = views.ParseWindow(window); err != nil {
					return err
				}
				if status != "" {
					if q.Status, err = domain.ParseTaskStatus(status); err != nil {
						return err
					}
				}
				if outcome != "" {
					if q.Outcome, err = domain.ParseOutcome(outcome); err != nil {
						return err
					}
				}
				if sortOrder != "" {
					if q.Sort, err = views.ParseSortOrder(sortOrder); err != nil {
						return err
					}
				}
				return printTaskQuery(a, a.Store.Tasks(), q, page)
			})
		},
	}
	cmd.Flags().StringVar(&window, "window", "", "today, upcoming, week, month, quarter, year, overdue or all")
	cmd.Flags().StringVar(&status, "status", "", "assigned, in_progress, completed or missed")
	cmd.Flags().StringVar(&outcome, "outcome", "", "visit outcome")
	cmd.Flags().StringVar(&salesperson, "salesperson", "", "salesperson id")
	cmd.Flags().StringVar(&company, "company", "", "company id")
	cmd.Flags().StringVar(&search, "search", "", "search company, salesperson, city and contact")
	cmd.Flags().StringVar(&sortOrder, "sort", "", "due_asc, due_desc, created_desc or submitted_desc")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var opts engine.AssignTaskOptions
	var due string
	var hint domain.ContactHint
	var newCompany engine.CompanyInput
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a visit to a salesperson",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin/tasks", func(ctx context.Context, a *app.App, s auth.Session) error {
				if due == "" {
					return fmt.Errorf("--due required")
				}
				at, err := parseLocalTime(due, a.Location)
				if err != nil {
					return err
				}
				opts.DueAt = at
				opts.ActorID = s.User.ID
				if !hint.IsZero() {
					opts.ContactHint = &hint
				}
				if opts.CompanyID == "" && newCompany.Name != "" {
					opts.NewCompany = &newCompany
				}
				t, err := a.Engine.AssignTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTaskDetail(a, t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CompanyID, "company", "", "company id")
	cmd.Flags().StringVar(&newCompany.Name, "new-company", "", "create a company with this name instead of --company")
	addAddressFlags(cmd, &newCompany.Address)
	cmd.Flags().StringVar(&opts.SalespersonID, "salesperson", "", "salesperson id")
	cmd.Flags().StringVar(&due, "due", "", "due time (RFC3339, 'YYYY-MM-DD HH:MM' or 'YYYY-MM-DD')")
	cmd.Flags().StringVar(&opts.Through, "through", "", "how the lead came in")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&hint.Name, "contact-name", "", "who to ask for")
	cmd.Flags().StringVar(&hint.Role, "contact-role", "", "their role")
	cmd.Flags().StringVar(&hint.Phone, "contact-phone", "", "their phone")
	return cmd
}

func taskEditCmd() *cobra.Command {
	var company, salesperson, due, through, notes string
	var hint domain.ContactHint
	cmd := &cobra.Command{
		Use:   "edit <task-id>",
		Short: "Edit an assigned task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin/tasks", func(ctx context.Context, a *app.App, s auth.Session) error {
				opts := engine.EditTaskOptions{ActorID: s.User.ID}
				if cmd.Flags().Changed("company") {
					opts.CompanyID = &company
				}
				if cmd.Flags().Changed("salesperson") {
					opts.SalespersonID = &salesperson
				}
				if cmd.Flags().Changed("due") {
					at, err := parseLocalTime(due, a.Location)
					if err != nil {
						return err
					}
					opts.DueAt = &at
				}
				if cmd.Flags().Changed("through") {
					opts.Through = &through
				}
				if cmd.Flags().Changed("notes") {
					opts.Notes = &notes
				}
				if anyChanged(cmd, "contact-name", "contact-role", "contact-phone") {
					opts.ContactHint = &hint
				}
				t, err := a.Engine.EditTask(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printTaskDetail(a, t)
			})
		},
	}
	cmd.Flags().StringVar(&company, "company", "", "company id")
	cmd.Flags().StringVar(&salesperson, "salesperson", "", "salesperson id")
	cmd.Flags().StringVar(&due, "due", "", "due time")
	cmd.Flags().StringVar(&through, "through", "", "how the lead came in")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&hint.Name, "contact-name", "", "who to ask for")
	cmd.Flags().StringVar(&hint.Role, "contact-role", "", "their role")
	cmd.Flags().StringVar(&hint.Phone, "contact-phone", "", "their phone")
	return cmd
}

func taskMineCmd() *cobra.Command {
	var tab, search string
	var page int
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "List my visits (sales)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/sales/tasks", func(ctx context.Context, a *app.App, s auth.Session) error {
				return printMyTasks(a, s, tab, search, page)
			})
		},
	}
	cmd.Flags().StringVar(&tab, "tab", views.TabToday, "today, upcoming, overdue, completed or all")
	cmd.Flags().StringVar(&search, "search", "", "search company, city and contact")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	return cmd
}

func taskCheckInCmd() *cobra.Command {
	var fix gpsFlags
	cmd := &cobra.Command{
		Use:   "checkin <task-id>",
		Short: "Start a visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/sales/tasks", func(ctx context.Context, a *app.App, s auth.Session) error {
				pos, err := fix.capture(ctx, cmd, a)
				if err != nil {
					return err
				}
				t, rep, err := a.Engine.CheckIn(ctx, engine.CheckInOptions{TaskID: args[0], ActorID: s.User.ID, GPS: pos})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "report": rep})
				}
				fmt.Printf("Checked in to %s at %s (%s)\n", views.Join(a.Store.Snapshot(), t).CompanyName(), formatLocal(rep.CheckIn.At, a.Location), gps.FormatCoordinates(rep.CheckIn.GPS))
				return nil
			})
		},
	}
	fix.register(cmd)
	return cmd
}

func taskCheckOutCmd() *cobra.Command {
	var fix gpsFlags
	var outcome, notes, followUp string
	var orderValue float64
	var contact domain.ActualContact
	var force bool
	cmd := &cobra.Command{
		Use:   "checkout <task-id>",
		Short: "End a visit and submit its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/sales/tasks", func(ctx context.Context, a *app.App, s auth.Session) error {
				pos, err := fix.capture(ctx, cmd, a)
				if err != nil {
					return err
				}
				opts := engine.CheckOutOptions{
					TaskID:  args[0],
					ActorID: s.User.ID,
					GPS:     pos,
					Outcome: domain.Outcome(strings.ToLower(strings.TrimSpace(outcome))),
					Notes:   notes,
					Force:   force,
				}
				if cmd.Flags().Changed("order-value") {
					opts.OrderValue = &orderValue
				}
				if followUp != "" {
					at, err := parseLocalTime(followUp, a.Location)
					if err != nil {
						return err
					}
					opts.NextFollowUpAt = &at
				}
				if contact != (domain.ActualContact{}) {
					opts.ActualContact = &contact
				}
				t, rep, err := a.Engine.CheckOut(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "report": rep})
				}
				duration := 0
				if rep.VisitDuration != nil {
					duration = *rep.VisitDuration
				}
				fmt.Printf("Visit to %s submitted: %s after %s\n", views.Join(a.Store.Snapshot(), t).CompanyName(), opts.Outcome.Label(), views.DurationLabel(duration))
				return nil
			})
		},
	}
	fix.register(cmd)
	cmd.Flags().StringVar(&outcome, "outcome", "", "met, not_available, rescheduled, closed_win, closed_lost or follow_up")
	cmd.Flags().Float64Var(&orderValue, "order-value", 0, "order value")
	cmd.Flags().StringVar(&notes, "notes", "", "visit notes")
	cmd.Flags().StringVar(&followUp, "follow-up", "", "next follow-up time")
	cmd.Flags().StringVar(&contact.Name, "met-name", "", "name of the person met")
	cmd.Flags().StringVar(&contact.Designation, "met-designation", "", "their designation")
	cmd.Flags().StringVar(&contact.Phone, "met-phone", "", "their phone")
	cmd.Flags().StringVar(&contact.Email, "met-email", "", "their email")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the report of a completed visit")
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Visit history"}
	cmd.AddCommand(reportHistoryCmd())
	cmd.AddCommand(reportExportCmd())
	return cmd
}

func reportHistoryCmd() *cobra.Command {
	var outcome string
	var page int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List my submitted visits (sales)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/sales/history", func(ctx context.Context, a *app.App, s auth.Session) error {
				rows := views.History(a.Store.Snapshot(), s.User.ID)
				summary := views.Summarize(views.HistoryReports(rows))
				if outcome != "" {
					o, err := domain.ParseOutcome(outcome)
					if err != nil {
						return err
					}
					kept := rows[:0:0]
					for _, r := range rows {
						if r.Report.Outcome != nil && *r.Report.Outcome == o {
							kept = append(kept, r)
						}
					}
					rows = kept
				}
				p := views.Paginate(rows, page, a.Config.Views.HistoryPageSize)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": p.Items, "summary": summary, "page": p.Page, "total": p.Total, "total_pages": p.TotalPages})
				}
				printSummary(summary)
				tw := newTable()
				tw.AppendHeader(table.Row{"Submitted", "Company", "Outcome", "Order value", "Duration"})
				for _, r := range p.Items {
					tw.AppendRow(table.Row{formatLocal(r.Report.SubmittedAt, a.Location), r.CompanyName(), outcomeLabel(r.Report.Outcome), orderValueLabel(r.Report.OrderValue), durationLabel(r.Report.VisitDuration)})
				}
				tw.Render()
				fmt.Printf("Page %d of %d (%d visits)\n", p.Page, max(p.TotalPages, 1), p.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome filter")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	return cmd
}

func reportExportCmd() *cobra.Command {
	var out, salesperson string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export visit history to an .xlsx workbook",
		Long:  "Admins export every visit (or one --salesperson); salespeople export their own.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/", func(ctx context.Context, a *app.App, s auth.Session) error {
				if s.Role() != domain.RoleAdmin {
					salesperson = s.User.ID
				}
				rows := views.History(a.Store.Snapshot(), salesperson)
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := export.VisitHistory(f, rows, a.Location); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Printf("Wrote %d visits to %s\n", len(rows), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "visits.xlsx", "output file")
	cmd.Flags().StringVar(&salesperson, "salesperson", "", "salesperson id (admin only)")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: assignments, check-ins, submitted reports, sign-ins.",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var f events.Filter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin/events", func(ctx context.Context, a *app.App, s auth.Session) error {
				f.Limit = n
				items, err := a.Events.Latest(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "actor-id", "", "actor id")
	return cmd
}

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted records (admin)",
		Long:  "Lists the stored keys (crm-data, crm-auth, crm-credentials) with their schema version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin", func(ctx context.Context, a *app.App, s auth.Session) error {
				lister, ok := a.Backend.(interface {
					States(context.Context) ([]repo.StateRecord, error)
				})
				if !ok {
					return fmt.Errorf("the %s backend cannot list its records", a.Config.Storage.Driver)
				}
				records, err := lister.States(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Key", "Version", "Bytes", "Updated"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.Key, rec.Version, rec.Bytes, rec.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(stateDropCmd())
	return cmd
}

func stateDropCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drop <key>",
		Short: "Delete a persisted record; it is rebuilt empty on next start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withView(cmd.Context(), "/admin", func(ctx context.Context, a *app.App, s auth.Session) error {
				dropper, ok := a.Backend.(interface {
					Delete(context.Context, string) error
				})
				if !ok {
					return fmt.Errorf("the %s backend cannot delete records", a.Config.Storage.Driver)
				}
				if err := dropper.Delete(ctx, args[0]); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("no record stored under %q", args[0])
					}
					return err
				}
				fmt.Println("Dropped", args[0])
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("FIELDCRM_JWT_SECRET is required for bearer auth")
			}
			logger := log.New(os.Stderr, "fieldcrm ", log.LstdFlags)
			a, err := app.Open(cmd.Context(), app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				App:      a,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: logger},
			})
			if err != nil {
				return err
			}
			refresher, err := server.StartRefresher(a, a.Config.Server.MetricsSchedule, logger)
			if err != nil {
				return err
			}
			defer refresher.Stop()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if server.StartWebhooks(ctx, a, logger) {
				logger.Printf("delivering events to %d webhook(s)", len(a.Config.Webhooks))
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving %s API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", a.Config.CRM.Name, addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Logger:    log.New(os.Stderr, "", 0),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// currentSession loads the stored session and re-reads its user so a
// deactivated or deleted account is signed out.
func currentSession(ctx context.Context, a *app.App) (auth.Session, error) {
	s, err := a.Sessions.Load(ctx)
	if err != nil {
		return auth.Session{}, err
	}
	if s.User == nil {
		return s, nil
	}
	u, err := a.Store.User(s.User.ID)
	if err != nil || !u.IsActive {
		s.Logout()
		return s, nil
	}
	s.User = &u
	return s, nil
}

// withView runs fn when the session may open view. A session of the wrong
// role is shown the equivalent view of its own role instead.
func withView(ctx context.Context, view string, fn func(context.Context, *app.App, auth.Session) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		s, err := currentSession(ctx, a)
		if err != nil {
			return err
		}
		d := a.Gate.ResolveView(s, view)
		if d.Allowed {
			return fn(ctx, a, s)
		}
		if d.Redirect == auth.LoginView {
			return errNotSignedIn
		}
		fmt.Fprintf(os.Stderr, "%s needs the %s role; showing %s instead.\n", view, auth.RequiredRole(view), d.Redirect)
		return renderView(a, s, d.Redirect)
	})
}

func renderView(a *app.App, s auth.Session, view string) error {
	switch view {
	case "/admin/tasks":
		return printTaskQuery(a, a.Store.Tasks(), views.TaskQuery{Sort: views.SortDueDesc}, 1)
	case "/sales/tasks":
		return printMyTasks(a, s, views.TabToday, "", 1)
	default:
		return printDashboard(a, s)
	}
}

func printDashboard(a *app.App, s auth.Session) error {
	snap := a.Store.Snapshot()
	clk := a.Clock()
	if s.Role() == domain.RoleAdmin {
		d := views.Admin(snap, clk)
		if viper.GetBool("json") {
			return printJSON(d)
		}
		fmt.Printf("Admin dashboard for %s\n", clk.Now.In(a.Location).Format("Mon 02 Jan 2006"))
		printMetrics("Today", d.Today)
		printMetrics("Overall", d.Overall)
		printSummary(d.Summary)
		if len(d.Overdue) > 0 {
			fmt.Println("Overdue:")
			printTaskTable(d.Overdue, clk, a.Location)
		}
		if len(d.Team) > 0 {
			tw := newTable()
			tw.AppendHeader(table.Row{"Salesperson", "Today", "Total", "Completed", "Rate"})
			for _, st := range d.Team {
				tw.AppendRow(table.Row{st.User.Name, st.TodayTasks, st.TotalTasks, st.CompletedTasks, fmt.Sprintf("%d%%", st.CompletionRate)})
			}
			tw.Render()
		}
		return nil
	}
	d := views.Sales(snap, s.User.ID, clk)
	if viper.GetBool("json") {
		return printJSON(d)
	}
	fmt.Printf("Hello %s. Today: %d  Upcoming: %d  Overdue: %d  Completed: %d\n", s.User.Name, d.Tabs.Today, d.Tabs.Upcoming, d.Tabs.Overdue, d.Tabs.Completed)
	printMetrics("Your visits", d.Metrics)
	printSummary(d.Summary)
	if len(d.Today) > 0 {
		printTaskTable(d.Today, clk, a.Location)
	}
	if d.NextVisit != nil {
		fmt.Printf("Next visit: %s at %s\n", d.NextVisit.CompanyName(), formatLocal(d.NextVisit.Task.DueAt, a.Location))
	}
	return nil
}

func printMyTasks(a *app.App, s auth.Session, tab, search string, page int) error {
	q, err := views.TabQuery(s.User.ID, tab)
	if err != nil {
		return err
	}
	q.Search = search
	mine := a.Store.TasksByUser(s.User.ID)
	if !viper.GetBool("json") {
		tabs := views.Tabs(mine, a.Clock())
		fmt.Printf("Today %d | Upcoming %d | Overdue %d | Completed %d\n", tabs.Today, tabs.Upcoming, tabs.Overdue, tabs.Completed)
	}
	return printTaskQuery(a, mine, q, page)
}

func printTaskQuery(a *app.App, tasks []domain.Task, q views.TaskQuery, page int) error {
	clk := a.Clock()
	matched := views.Filter(views.JoinAll(a.Store.Snapshot(), tasks), q, clk)
	p := views.Paginate(matched, page, a.Config.Views.PageSize)
	if viper.GetBool("json") {
		return printJSON(p)
	}
	printTaskTable(p.Items, clk, a.Location)
	fmt.Printf("Page %d of %d (%d tasks)\n", p.Page, max(p.TotalPages, 1), p.Total)
	return nil
}

func printTaskTable(items []views.TaskDetail, clk views.Clock, loc *time.Location) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Company", "City", "Salesperson", "Due", "Status", "Outcome"})
	for _, d := range items {
		status := clk.DisplayStatus(d.Task).Label()
		if clk.IsOverdue(d.Task) && d.Task.Status == domain.StatusInProgress {
			status += " (overdue)"
		}
		outcome := "-"
		if o := d.Outcome(); o != "" {
			outcome = o.Label()
		}
		tw.AppendRow(table.Row{d.Task.ID, d.CompanyName(), d.City(), d.SalespersonName(), formatLocal(d.Task.DueAt, loc), status, outcome})
	}
	tw.Render()
}

func printTaskDetail(a *app.App, t domain.Task) error {
	d := views.Join(a.Store.Snapshot(), t)
	if viper.GetBool("json") {
		return printJSON(d)
	}
	printTaskTable([]views.TaskDetail{d}, a.Clock(), a.Location)
	return nil
}

func printMetrics(label string, m views.TaskMetrics) {
	fmt.Printf("%s: %d total, %d completed, %d in progress, %d pending, %d overdue (%d%% complete)\n",
		label, m.Total, m.Completed, m.InProgress, m.Pending, m.Overdue, m.CompletionRate)
}

func printSummary(s views.HistorySummary) {
	fmt.Printf("Visits: %d  Value: %s  Won: %d  Avg: %s  Win rate: %d%%\n",
		s.TotalVisits, views.FormatCurrency(s.TotalValue), s.WonDeals, views.FormatCurrency(s.AverageValue), s.WinRate)
}

// gpsFlags take a fix from the command line in place of a device.
type gpsFlags struct {
	lat, lng, accuracy float64
}

func (g *gpsFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&g.lat, "lat", 0, "latitude of the current position")
	cmd.Flags().Float64Var(&g.lng, "lng", 0, "longitude of the current position")
	cmd.Flags().Float64Var(&g.accuracy, "accuracy", 0, "fix accuracy in meters")
}

// capture returns nil when no position was given.
func (g *gpsFlags) capture(ctx context.Context, cmd *cobra.Command, a *app.App) (*engine.GPSInput, error) {
	if !anyChanged(cmd, "lat", "lng") {
		return nil, nil
	}
	opts := gps.Options{
		EnableHighAccuracy: a.Config.GPS.EnableHighAccuracy,
		Timeout:            a.Config.GPS.Timeout,
		MaximumAge:         a.Config.GPS.MaximumAge,
	}
	loc := gps.Static{Position: gps.Position{Lat: g.lat, Lng: g.lng, Accuracy: g.accuracy}, Now: a.Now}
	pos, err := gps.Capture(ctx, loc, opts)
	if err != nil {
		return nil, err
	}
	return &engine.GPSInput{Lat: pos.Lat, Lng: pos.Lng, Accuracy: pos.Accuracy, Timestamp: pos.Timestamp}, nil
}

func addAddressFlags(cmd *cobra.Command, addr *domain.Address) {
	cmd.Flags().StringVar(&addr.Line1, "line1", "", "street address")
	cmd.Flags().StringVar(&addr.City, "city", "", "city")
	cmd.Flags().StringVar(&addr.State, "state", "", "state")
	cmd.Flags().StringVar(&addr.Pincode, "pincode", "", "postal code")
}

func anyChanged(cmd *cobra.Command, names ...string) bool {
	for _, n := range names {
		if cmd.Flags().Changed(n) {
			return true
		}
	}
	return false
}

// parseLocalTime accepts RFC3339 or a wall-clock time in loc.
func parseLocalTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC3339 or 'YYYY-MM-DD HH:MM')", s)
}

func formatLocal(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("02 Jan 2006 15:04")
}

func outcomeLabel(o *domain.Outcome) string {
	if o == nil {
		return "-"
	}
	return o.Label()
}

func orderValueLabel(v *float64) string {
	if v == nil {
		return "-"
	}
	return views.FormatCurrency(*v)
}

func durationLabel(minutes *int) string {
	if minutes == nil {
		return "-"
	}
	return views.DurationLabel(*minutes)
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "-"
	}
	return strings.Join(kept, sep)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
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
