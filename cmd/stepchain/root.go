package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepchain"
	"github.com/petrijr/stepchain/internal/config"
)

type app struct {
	configPath string
	reg        *stepchain.Registry
	release    func() error
}

// close releases the registry opened for the command, if any.
func (a *app) close() error {
	if a.release == nil {
		return nil
	}
	release := a.release
	a.release = nil
	return release()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stepchain",
		Short:         "Run step-pipeline workflows against a configured store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(a.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.reg, a.release, err = openRegistry(cmd.Context(), cfg, logger)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to stepchain.yaml")

	root.AddCommand(
		a.workflowsCmd(),
		a.runCmd(),
		a.resumeCmd(),
		a.listCmd(),
		a.eventsCmd(),
		a.recoverCmd(),
	)
	return root
}

func (a *app) workflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List the registered workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, def := range a.reg.ListWorkflows() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d steps\t%s\n", def.ID, len(def.Steps), def.Description)
			}
			return nil
		},
	}
}

func (a *app) runCmd() *cobra.Command {
	var executionID string
	cmd := &cobra.Command{
		Use:   "run <workflow-id> [json-input]",
		Short: "Start an execution and drive it until it completes, errors or suspends",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseJSONArg(args, 1)
			if err != nil {
				return err
			}
			var opts []stepchain.RunOption
			if executionID != "" {
				opts = append(opts, stepchain.WithExecutionID(executionID))
			}
			res, err := a.reg.Run(cmd.Context(), args[0], input, opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resultView(res))
		},
	}
	cmd.Flags().StringVar(&executionID, "id", "", "execution id to use instead of a generated one")
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id> [json-data]",
		Short: "Resume a suspended execution",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseJSONArg(args, 1)
			if err != nil {
				return err
			}
			res, err := a.reg.ResumeExecution(cmd.Context(), args[0], data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resultView(res))
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var filter stepchain.ExecutionFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = stepchain.Status(status)
			execs, err := a.reg.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			for _, e := range execs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tstep %d\n", e.ID, e.WorkflowID, e.Status, e.CurrentStep)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.WorkflowID, "workflow", "", "only executions of this workflow")
	cmd.Flags().StringVar(&status, "status", "", "only executions in this status")
	return cmd
}

func (a *app) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <execution-id>",
		Short: "Print the event history of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.reg.GetExecution(cmd.Context(), args[0]); err != nil {
				return err
			}
			events, err := a.reg.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s\t%s", ev.At.Format("15:04:05.000"), ev.Type)
				if ev.StepID != "" {
					line += "\t" + ev.StepID
				}
				if ev.Error != "" {
					line += "\t" + ev.Error
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark executions left running by a crashed process as errored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.reg.RecoverStuckExecutions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d executions\n", n)
			return nil
		},
	}
}

func parseJSONArg(args []string, i int) (any, error) {
	if len(args) <= i {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(args[i]), &v); err != nil {
		return nil, fmt.Errorf("parse json argument: %w", err)
	}
	return v, nil
}

type resultJSON struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      string         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Suspension  *suspendedJSON `json:"suspension,omitempty"`
}

type suspendedJSON struct {
	Reason  string `json:"reason"`
	StepID  string `json:"step_id"`
	Payload any    `json:"payload,omitempty"`
}

func resultView(res *stepchain.Result) resultJSON {
	out := resultJSON{
		ExecutionID: res.ExecutionID,
		WorkflowID:  res.WorkflowID,
		Status:      string(res.Status),
		Result:      res.Result,
	}
	if res.Error != nil {
		out.Error = res.Error.Error()
	}
	if s := res.Suspension; s != nil {
		out.Suspension = &suspendedJSON{Reason: s.Reason, StepID: s.StepID, Payload: s.Checkpoint.Payload}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
