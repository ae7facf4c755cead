package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cadenceio/cadence/internal/config"
	internal_http "github.com/cadenceio/cadence/internal/http"
	"github.com/cadenceio/cadence/internal/log"
	internal_storage "github.com/cadenceio/cadence/internal/storage"
	"github.com/cadenceio/cadence/pkg/models"
	"github.com/cadenceio/cadence/pkg/service"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	createSequenceCmd := &cobra.Command{
		Use:   "create-sequence",
		Short: "Create a messaging sequence from step definitions",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := service.NewSequenceService(store, log.GetLogger())

			orgID, _ := cmd.Flags().GetInt64("org")
			name, _ := cmd.Flags().GetString("name")
			isDefault, _ := cmd.Flags().GetBool("default")
			stopRule, _ := cmd.Flags().GetString("stop-rule")
			stepSpecs, _ := cmd.Flags().GetStringArray("step")

			steps, err := parseSteps(stepSpecs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			id, err := svc.CreateSequence(orgID, models.Sequence{
				Name:      name,
				Active:    true,
				IsDefault: isDefault,
				StopRule:  stopRule,
				Steps:     steps,
			})
			if err != nil {
				log.GetLogger().Errorf("Failed to create sequence: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to create sequence: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created sequence '%s' with ID %d\n", name, id)
		},
	}
	createSequenceCmd.Flags().Int64("org", 0, "Organization ID")
	createSequenceCmd.Flags().String("name", "", "Sequence name")
	createSequenceCmd.Flags().Bool("default", false, "Mark as the organization's default sequence")
	createSequenceCmd.Flags().String("stop-rule", "", "Optional stop-rule expression")
	createSequenceCmd.Flags().StringArray("step", nil, "Step as channel:delayHours:body[:subject], repeatable")

	listSequencesCmd := &cobra.Command{
		Use:   "list-sequences",
		Short: "List an organization's sequences",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := service.NewSequenceService(store, log.GetLogger())

			orgID, _ := cmd.Flags().GetInt64("org")
			seqs, err := svc.ListSequences(orgID)
			if err != nil {
				log.GetLogger().Errorf("Failed to list sequences: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list sequences: %v\n", err)
				os.Exit(1)
			}
			if len(seqs) == 0 {
				fmt.Fprintf(os.Stdout, "No sequences found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Sequences:\n")
			for _, seq := range seqs {
				marker := ""
				if seq.IsDefault {
					marker = " (default)"
				}
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Active: %v, Steps: %d%s\n",
					seq.ID, seq.Name, seq.Active, len(seq.Steps), marker)
			}
		},
	}
	listSequencesCmd.Flags().Int64("org", 0, "Organization ID")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a sequence execution for a subject",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := service.NewExecutionService(store, log.GetLogger())

			orgID, _ := cmd.Flags().GetInt64("org")
			subjectID, _ := cmd.Flags().GetString("subject")
			sequenceID, _ := cmd.Flags().GetInt64("sequence")
			override, _ := cmd.Flags().GetBool("override")

			exec, err := svc.Start(orgID, subjectID, sequenceID, override)
			if err != nil {
				log.GetLogger().Errorf("Failed to start execution: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to start execution: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Execution %d is %s for subject %s (%d scheduled steps)\n",
				exec.ID, exec.Status, exec.SubjectID, len(exec.Steps))
		},
	}
	startCmd.Flags().Int64("org", 0, "Organization ID")
	startCmd.Flags().String("subject", "", "Subject ID")
	startCmd.Flags().Int64("sequence", 0, "Sequence ID")
	startCmd.Flags().Bool("override", false, "Supersede an already-active execution for the subject")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop an execution, skipping its pending steps",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := service.NewExecutionService(store, log.GetLogger())

			executionID, _ := cmd.Flags().GetInt64("execution")
			reason, _ := cmd.Flags().GetString("reason")
			if err := svc.Stop(executionID, reason); err != nil {
				log.GetLogger().Errorf("Failed to stop execution: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to stop execution: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Stopped execution %d\n", executionID)
		},
	}
	stopCmd.Flags().Int64("execution", 0, "Execution ID")
	stopCmd.Flags().String("reason", "stopped via CLI", "Stop reason")

	retryStepCmd := &cobra.Command{
		Use:   "retry-step",
		Short: "Reset a failed step execution back to pending",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := service.NewExecutionService(store, log.GetLogger())

			orgID, _ := cmd.Flags().GetInt64("org")
			stepExecutionID, _ := cmd.Flags().GetInt64("step-execution")
			if err := svc.RetryStep(orgID, stepExecutionID); err != nil {
				log.GetLogger().Errorf("Failed to retry step: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to retry step: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Step execution %d reset for retry\n", stepExecutionID)
		},
	}
	retryStepCmd.Flags().Int64("org", 0, "Organization ID")
	retryStepCmd.Flags().Int64("step-execution", 0, "Step execution ID")

	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one due-step scan and dispatch pass",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			cfg := loadConfig()

			logger := log.GetLogger()
			executions := service.NewExecutionService(store, logger)
			dispatcher := service.NewDispatcher(store, executions,
				service.NoopResolver{}, service.LogSmsSender{Logger: logger}, service.LogEmailSender{Logger: logger}, logger)
			poller := service.NewPoller(context.Background(), store, dispatcher, logger, cfg.PollerConfig())

			dispatched, err := poller.RunOnce(context.Background())
			if err != nil {
				log.GetLogger().Errorf("Poll pass failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: poll pass failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Dispatched %d steps\n", dispatched)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the poller and the admin HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			cfg := loadConfig()

			logger := log.GetLogger()
			executions := service.NewExecutionService(store, logger)
			dispatcher := service.NewDispatcher(store, executions,
				service.NoopResolver{}, service.LogSmsSender{Logger: logger}, service.LogEmailSender{Logger: logger}, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			poller := service.NewPoller(ctx, store, dispatcher, logger, cfg.PollerConfig())
			poller.Start()
			defer poller.Stop()

			go func() {
				if err := internal_http.StartServer(cfg.HTTP.Port, store); err != nil {
					logger.Errorf("HTTP server stopped: %v", err)
					cancel()
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigChan:
				logger.Infof("Shutting down")
			case <-ctx.Done():
			}
		},
	}

	rootCmd.AddCommand(createSequenceCmd, listSequencesCmd, startCmd, stopCmd, retryStepCmd, pollCmd, serveCmd)
}

// parseSteps turns channel:delayHours:body[:subject] specs into steps with
// step numbers assigned in argument order.
func parseSteps(specs []string) ([]models.Step, error) {
	steps := make([]models.Step, 0, len(specs))
	for i, spec := range specs {
		parts := strings.SplitN(spec, ":", 4)
		if len(parts) < 3 {
			return nil, fmt.Errorf("invalid step spec %q, expected channel:delayHours:body[:subject]", spec)
		}
		var delay int
		if _, err := fmt.Sscanf(parts[1], "%d", &delay); err != nil {
			return nil, fmt.Errorf("invalid delay in step spec %q: %v", spec, err)
		}
		step := models.Step{
			StepNumber: i + 1,
			Channel:    models.ChannelType(parts[0]),
			DelayHours: delay,
			Body:       parts[2],
			Active:     true,
		}
		if len(parts) == 4 {
			step.Subject = parts[3]
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func loadConfig() *config.Config {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	return cfg
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if dbConnStr == "" {
		cfg := loadConfig()
		dbConnStr = cfg.ConnStr()
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
