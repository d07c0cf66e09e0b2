package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"kgraph/internal/jobs"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a job's status, progress, and cost",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		job, err := a.svc.GetJob(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(job)
		}
		printJob(job)
		return nil
	},
}

var (
	listStatus   string
	listOwner    string
	listOntology string
	listLimit    int
	listOffset   int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		all, err := a.svc.ListJobs(jobs.ListFilter{
			Status:   jobs.Status(listStatus),
			Owner:    listOwner,
			Ontology: listOntology,
			Limit:    listLimit,
			Offset:   listOffset,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(all)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tONTOLOGY\tPROGRESS\tCOST\tCREATED")
		for _, job := range all {
			progress := "-"
			if job.Progress != nil {
				progress = fmt.Sprintf("%d/%d", job.Progress.ChunksProcessed, job.Progress.ChunksTotal)
			}
			cost := "-"
			if job.CostEstimate != nil {
				cost = fmt.Sprintf("$%.4f", job.CostEstimate.USDTotal)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				job.ID, job.Status, job.Ontology, progress, cost,
				job.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve [job-id]",
	Short: "Approve a job awaiting cost approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		job, err := a.svc.Approve(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(job)
		}
		fmt.Printf("Job %s approved\n", job.ID)
		if job.CostEstimate != nil {
			fmt.Printf("Estimated cost: $%.4f (%s)\n", job.CostEstimate.USDTotal, job.CostEstimate.ExtractionModel)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a job",
	Long: `Requests cancellation of a job. Jobs not yet claimed by a worker
are cancelled immediately; processing jobs stop at the next chunk
boundary.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.Cancel(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(res)
		}
		switch {
		case !res.Cancelled:
			fmt.Printf("Job already %s; nothing to cancel\n", res.AtStatus)
		case res.AtStatus == jobs.StatusProcessing:
			fmt.Println("Cancellation requested; the worker will stop at the next chunk boundary")
		default:
			fmt.Printf("Job cancelled (was %s)\n", res.AtStatus)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&listOwner, "owner", "", "Filter by owner principal")
	listCmd.Flags().StringVar(&listOntology, "ontology", "", "Filter by ontology")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum jobs to return")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Pagination offset")
}

func printJob(job *jobs.Job) {
	fmt.Printf("Job:       %s\n", job.ID)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Ontology:  %s\n", job.Ontology)
	if job.Input.Filename != "" {
		fmt.Printf("File:      %s (%d bytes)\n", job.Input.Filename, job.Input.Bytes)
	}
	fmt.Printf("Created:   %s\n", job.CreatedAt.Local().Format(time.DateTime))
	if job.CostEstimate != nil {
		fmt.Printf("Estimate:  $%.4f (%d tokens in, %d out, %s)\n",
			job.CostEstimate.USDTotal, job.CostEstimate.TokensIn,
			job.CostEstimate.TokensOut, job.CostEstimate.ExtractionModel)
	}
	if job.Progress != nil {
		fmt.Printf("Progress:  %d%% (%d/%d chunks, stage %s)\n",
			job.Progress.Percent, job.Progress.ChunksProcessed,
			job.Progress.ChunksTotal, job.Progress.Stage)
		fmt.Printf("Graph:     %d concepts created, %d linked, %d instances, %d relationships\n",
			job.Progress.ConceptsCreated, job.Progress.ConceptsLinked,
			job.Progress.InstancesCreated, job.Progress.RelationshipsCreated)
	}
	if job.ErrorKind != "" {
		fmt.Printf("Error:     [%s] %s\n", job.ErrorKind, job.ErrorMessage)
	}
	if job.Result != nil && len(job.Result.PartialChunks) > 0 {
		fmt.Printf("Skipped:   chunks %v\n", job.Result.PartialChunks)
	}
	if job.CancellationRequested && !job.Status.Terminal() {
		fmt.Println("Cancellation requested")
	}
}
