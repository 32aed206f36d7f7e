package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"knock-pipeline/internal/entity"
)

func (c *cli) runCmd() *cobra.Command {
	var in entity.PipelineInput

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for one user and print the finished job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := c.orch.Execute(cmd.Context(), in)
			if err != nil {
				return err
			}
			c.orch.Wait()
			j, err := c.printStatus(cmd, res.JobID)
			if err != nil {
				return err
			}
			return jobFailed(j)
		},
	}

	f := cmd.Flags()
	f.StringVar(&in.UserID, "user", "", "user id (required)")
	f.StringVar(&in.UserName, "name", "", "user display name")
	f.StringSliceVar(&in.UserData.Domains, "domains", nil, "comma separated domains")
	f.StringSliceVar(&in.UserData.Keywords, "keywords", nil, "comma separated keywords")
	f.StringSliceVar(&in.UserData.Interests, "interests", nil, "comma separated interests")
	f.StringSliceVar(&in.UserData.AvoidTopics, "avoid", nil, "topics the persona must not bring up")
	f.StringVar(&in.Preferences.ConversationStyle, "style", "", "conversation style override")
	f.StringVar(&in.Preferences.ResponseLength, "length", "", "response length override")
	f.StringVar(&in.Language, "language", "", "BCP 47 language tag for the prompt template")
	f.StringVar(&in.TemplateID, "template", "", "prompt template id override")
	f.BoolVar(&in.DryRun, "dry-run", false, "do not persist persona and room")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Print a job with its stage logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			_, err = c.printStatus(cmd, id)
			return err
		},
	}
}

func (c *cli) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <jobId>",
		Short: "Retry a failed job and print it once the new attempt finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			if _, err := c.orch.RetryJob(cmd.Context(), id); err != nil {
				return err
			}
			c.orch.Wait()
			j, err := c.printStatus(cmd, id)
			if err != nil {
				return err
			}
			return jobFailed(j)
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <jobId>",
		Short: "Mark a processing job failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			if err := c.orch.CancelJob(cmd.Context(), id); err != nil {
				return err
			}
			_, err = c.printStatus(cmd, id)
			return err
		},
	}
}

func (c *cli) jobsCmd() *cobra.Command {
	var (
		status string
		sortBy string
		asc    bool
		f      entity.JobFilter
	)

	cmd := &cobra.Command{
		Use:   "jobs <userId>",
		Short: "List a user's jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				st := entity.JobStatus(status)
				f.Status = &st
			}
			f.SortBy = entity.JobSort(sortBy)
			f.SortDescending = !asc

			jobs, err := c.orch.GetUserJobs(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&status, "status", "", "pending|processing|completed|failed")
	fl.IntVar(&f.Limit, "limit", entity.DefaultJobLimit, "page size")
	fl.IntVar(&f.Offset, "offset", 0, "rows to skip")
	fl.StringVar(&sortBy, "sort", string(entity.SortCreatedAt), "created_at|completed_at|quality_score")
	fl.BoolVar(&asc, "asc", false, "oldest first")
	return cmd
}

func (c *cli) printStatus(cmd *cobra.Command, id uuid.UUID) (*entity.JobWithLogs, error) {
	j, err := c.orch.GetJobStatus(cmd.Context(), id)
	if err != nil {
		return nil, err
	}
	return j, printJSON(cmd.OutOrStdout(), j)
}

// jobFailed turns a failed run into a non-zero exit.
func jobFailed(j *entity.JobWithLogs) error {
	if j.Status != entity.StatusFailed {
		return nil
	}
	msg := "unknown error"
	if j.ErrorMessage != nil {
		msg = *j.ErrorMessage
	}
	return fmt.Errorf("job %s failed: %s", j.ID, msg)
}

func parseJobID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}
