package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/platelet-app/dispatchsync/internal/replica/reconcile"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "replica",
	Short:   "Create and dispatch tasks",
	Long: `Create, assign and list tasks in the local replica.

Every change applies locally at once and is queued for the hub. When the hub is
unreachable the change stays queued in the journal and is delivered by the next
'dsync sync'.`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	Long: `Create a task. With --guided, or when run in a terminal without flags, an
interactive form also collects addresses, deliverables and a comment.

Example usage:
  dsync task create --priority HIGH --requester "Ward 7" --at "10 minutes ago"
  dsync task create --guided`,
	RunE: func(cmd *cobra.Command, args []string) error {
		guided, _ := cmd.Flags().GetBool("guided")
		priority, _ := cmd.Flags().GetString("priority")
		requester, _ := cmd.Flags().GetString("requester")
		phone, _ := cmd.Flags().GetString("phone")
		pickup, _ := cmd.Flags().GetString("pickup")
		dropoff, _ := cmd.Flags().GetString("dropoff")
		at, _ := cmd.Flags().GetString("at")

		in := reconcile.NewTask{
			Priority:           strings.ToUpper(priority),
			RequesterName:      requester,
			RequesterTelephone: phone,
			PickUpLocationID:   pickup,
			DropOffLocationID:  dropoff,
		}
		if at != "" {
			t, err := parseWhen(at, time.Now())
			if err != nil {
				return err
			}
			in.TimeOfCall = t
		}
		if !guided && cmd.Flags().NFlag() == 0 && ui.IsTerminal(os.Stdin) && ui.IsTerminal(os.Stdout) {
			guided = true
		}

		return withReplica(cmd, func(ctx context.Context, r *replica) error {
			var rc *reconcile.Receipt
			if guided {
				g, err := taskForm(r, in)
				if err != nil {
					return err
				}
				rc = r.CreateGuidedTask(g)
			} else {
				rc = r.CreateTask(in)
			}
			return report(ctx, cmd, r, rc, "created task %s", ui.ShortID(rc.Key().ID))
		})
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign <task> <user>",
	Short: "Assign a user to a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		return withReplica(cmd, func(ctx context.Context, r *replica) error {
			taskID, err := resolve(r, schema.TypeTask, args[0])
			if err != nil {
				return err
			}
			userID, err := resolve(r, schema.TypeUser, args[1])
			if err != nil {
				return err
			}
			rc := r.AssignUser(taskID, userID, strings.ToUpper(role))
			return report(ctx, cmd, r, rc, "assigned %s to %s", args[1], ui.ShortID(taskID))
		})
	},
}

var taskUnassignCmd = &cobra.Command{
	Use:   "unassign <task> <user>",
	Short: "Remove a user's assignments from a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		return withReplica(cmd, func(ctx context.Context, r *replica) error {
			taskID, err := resolve(r, schema.TypeTask, args[0])
			if err != nil {
				return err
			}
			userID, err := resolve(r, schema.TypeUser, args[1])
			if err != nil {
				return err
			}
			rc := r.Unassign(taskID, userID, strings.ToUpper(role))
			return report(ctx, cmd, r, rc, "unassigned %s from %s", args[1], ui.ShortID(taskID))
		})
	},
}

// taskStateCmd builds the single-argument commands that change a task.
func taskStateCmd(use, short, done string, intent func(*replica, string) *reconcile.Receipt) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReplica(cmd, func(ctx context.Context, r *replica) error {
				id, err := resolve(r, schema.TypeTask, args[0])
				if err != nil {
					return err
				}
				rc := intent(r, id)
				return report(ctx, cmd, r, rc, "%s task %s", done, ui.ShortID(id))
			})
		},
	}
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks grouped by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return withReplica(cmd, func(ctx context.Context, r *replica) error {
			groups := r.TasksByStatus()
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				if status != "" {
					return printJSON(out, groups[strings.ToUpper(status)])
				}
				return printJSON(out, groups)
			}
			if !r.online {
				fmt.Fprintln(out, ui.Warn("offline: showing the local replica"))
			}
			shown := 0
			for _, s := range schema.Statuses {
				if status != "" && !strings.EqualFold(status, s) {
					continue
				}
				tasks := groups[s]
				if len(tasks) == 0 {
					continue
				}
				fmt.Fprintln(out, ui.Header(fmt.Sprintf("%s (%d)", s, len(tasks))))
				ui.TaskTable(out, tasks)
				shown += len(tasks)
			}
			if shown == 0 {
				fmt.Fprintln(out, ui.Muted("no tasks"))
			}
			return nil
		})
	},
}

var userCreateCmd = &cobra.Command{
	Use:     "user-create <display-name>",
	GroupID: "replica",
	Short:   "Create a user",
	Long: `Create a user. The hub keeps display names unique; when the name is taken
the confirmed user carries a numbered variant such as "Ana-1".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		roles, _ := cmd.Flags().GetStringSlice("roles")
		responsibility, _ := cmd.Flags().GetString("responsibility")
		return withReplica(cmd, func(ctx context.Context, r *replica) error {
			for i := range roles {
				roles[i] = strings.ToUpper(roles[i])
			}
			rc := r.CreateUser(reconcile.NewUser{
				DisplayName:         args[0],
				EmailAddress:        email,
				Roles:               roles,
				RiderResponsibility: responsibility,
			})
			return report(ctx, cmd, r, rc, "created user %s", ui.ShortID(rc.Key().ID))
		})
	},
}

// withReplica opens the replica for one command and closes it afterwards.
func withReplica(cmd *cobra.Command, fn func(context.Context, *replica) error) error {
	ctx := cmd.Context()
	wait, _ := cmd.Flags().GetDuration("wait")
	r, err := openReplica(ctx, replicaOptions{syncWait: wait})
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(ctx, r)
}

// report waits for an intent and prints its outcome.
func report(ctx context.Context, cmd *cobra.Command, r *replica, rc *reconcile.Receipt, format string, args ...any) error {
	wait, _ := cmd.Flags().GetDuration("wait")
	if !r.online {
		// Validation failures resolve at once even offline.
		wait = 100 * time.Millisecond
	}
	queued, err := await(ctx, rc, wait)
	out := cmd.OutOrStdout()
	switch {
	case err != nil:
		return err
	case queued:
		fmt.Fprintln(out, ui.Warn(format+" (queued, not yet confirmed)", args...))
	default:
		fmt.Fprintln(out, ui.Success(format, args...))
	}
	return nil
}

// resolve finds an entity by id or unique id prefix.
func resolve(r *replica, t schema.EntityType, ref string) (string, error) {
	if r.Store().Has(schema.K(t, ref)) {
		return ref, nil
	}
	var matches []string
	for e := range r.Store().Query(t, func(e schema.Entity) bool {
		return strings.HasPrefix(e.ID, ref) ||
			(t == schema.TypeUser && strings.EqualFold(e.Fields.String(schema.FieldDisplayName), ref))
	}) {
		matches = append(matches, e.ID)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no %s matches %q", t, ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous: %d %s entities match", ref, len(matches), t)
	}
}

// parseWhen reads an absolute RFC 3339 time or a phrase such as
// "10 minutes ago" or "today at 3pm".
func parseWhen(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	res, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return res.Time, nil
}

// taskForm runs the guided creation form, starting from in.
func taskForm(r *replica, in reconcile.NewTask) (reconcile.GuidedTask, error) {
	g := reconcile.GuidedTask{Task: in, PickUp: &reconcile.NewLocation{}, DropOff: &reconcile.NewLocation{}}
	if g.Task.Priority == "" {
		g.Task.Priority = schema.PriorityMedium
	}

	var typeOptions []huh.Option[string]
	for _, dt := range r.Store().All(schema.TypeDeliverableType) {
		typeOptions = append(typeOptions, huh.NewOption(dt.Fields.String(schema.FieldLabel), dt.ID))
	}
	var chosen []string

	groups := []*huh.Group{
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Priority").
				Options(huh.NewOptions(schema.PriorityHigh, schema.PriorityMedium, schema.PriorityLow)...).
				Value(&g.Task.Priority),
			huh.NewInput().Title("Requester").Value(&g.Task.RequesterName),
			huh.NewInput().Title("Requester telephone").Value(&g.Task.RequesterTelephone),
		),
		huh.NewGroup(
			huh.NewInput().Title("Pick-up address").Value(&g.PickUp.Line1),
			huh.NewInput().Title("Pick-up postcode").Value(&g.PickUp.Postcode),
			huh.NewInput().Title("Drop-off address").Value(&g.DropOff.Line1),
			huh.NewInput().Title("Drop-off postcode").Value(&g.DropOff.Postcode),
		),
	}
	if len(typeOptions) > 0 {
		groups = append(groups, huh.NewGroup(
			huh.NewMultiSelect[string]().Title("Deliverables").Options(typeOptions...).Value(&chosen),
		))
	}
	groups = append(groups, huh.NewGroup(
		huh.NewText().Title("Comment").Value(&g.Comment),
	))

	if err := huh.NewForm(groups...).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return g, errors.New("cancelled")
		}
		return g, err
	}
	for _, id := range chosen {
		g.Deliverables = append(g.Deliverables, reconcile.NewDeliverable{TypeID: id, Count: 1})
	}
	return g, nil
}

func init() {
	taskCreateCmd.Flags().Bool("guided", false, "use the interactive form")
	taskCreateCmd.Flags().String("priority", "", "HIGH, MEDIUM or LOW")
	taskCreateCmd.Flags().String("requester", "", "requester name")
	taskCreateCmd.Flags().String("phone", "", "requester telephone")
	taskCreateCmd.Flags().String("pickup", "", "pick-up location id")
	taskCreateCmd.Flags().String("dropoff", "", "drop-off location id")
	taskCreateCmd.Flags().String("at", "", `time of call, e.g. "10 minutes ago" (default now)`)

	for _, c := range []*cobra.Command{taskAssignCmd, taskUnassignCmd} {
		c.Flags().String("role", "", "RIDER or COORDINATOR (assign defaults to RIDER)")
	}

	taskListCmd.Flags().String("status", "", "only show tasks with this status")

	userCreateCmd.Flags().String("email", "", "email address")
	userCreateCmd.Flags().StringSlice("roles", []string{schema.RoleUser}, "roles, e.g. USER,RIDER")
	userCreateCmd.Flags().String("responsibility", "", "rider responsibility label")

	taskCmd.AddCommand(
		taskCreateCmd,
		taskAssignCmd,
		taskUnassignCmd,
		taskStateCmd("cancel", "Cancel a task", "cancelled", (*replica).CancelTask),
		taskStateCmd("reject", "Reject a task", "rejected", (*replica).RejectTask),
		taskStateCmd("reinstate", "Clear a cancellation or rejection", "reinstated", (*replica).ReinstateTask),
		taskStateCmd("relay", "Add the next relay leg after a task", "added relay after", (*replica).AddRelay),
		taskStateCmd("delete", "Delete a task and its assignments", "deleted", func(r *replica, id string) *reconcile.Receipt {
			return r.Delete(schema.K(schema.TypeTask, id))
		}),
		taskListCmd,
	)
	for _, c := range append(taskCmd.Commands(), userCreateCmd) {
		c.Flags().Duration("wait", 5*time.Second, "how long to wait for the hub to confirm")
	}
	rootCmd.AddCommand(taskCmd, userCreateCmd)
}
