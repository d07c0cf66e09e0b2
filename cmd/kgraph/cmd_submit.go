package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kgraph/internal/jobs"
	"kgraph/internal/service"
)

var (
	submitOntology    string
	submitFile        string
	submitTarget      int
	submitOverlap     int
	submitForce       bool
	submitAutoApprove bool
	submitPartial     bool
	submitOwner       string
)

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit a document for ingestion",
	Long: `Submits a document to the ingestion pipeline. Reads from the given
file, from --file, or from stdin when neither is set.

The submission is deduplicated by content fingerprint: resubmitting the
same text with the same ontology and chunk parameters returns the
existing job instead of creating a new one. Use --force to re-ingest
anyway.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitOntology, "ontology", "o", "", "Ontology namespace for concept identity (required)")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Read the document from this file")
	submitCmd.Flags().IntVar(&submitTarget, "target-words", 0, "Words per chunk (default from config)")
	submitCmd.Flags().IntVar(&submitOverlap, "overlap-words", 0, "Overlap between adjacent chunks")
	submitCmd.Flags().BoolVar(&submitForce, "force", false, "Re-ingest even if an identical submission exists")
	submitCmd.Flags().BoolVar(&submitAutoApprove, "auto-approve", false, "Skip the cost approval gate")
	submitCmd.Flags().BoolVar(&submitPartial, "partial", false, "Skip failed chunks instead of failing the job")
	submitCmd.Flags().StringVar(&submitOwner, "owner", "", "Owner principal recorded on the job")
	_ = submitCmd.MarkFlagRequired("ontology")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	req := service.SubmitRequest{
		Ontology: submitOntology,
		Owner:    submitOwner,
		Options: jobs.Options{
			TargetWords:   submitTarget,
			OverlapWords:  submitOverlap,
			Force:         submitForce,
			AutoApprove:   submitAutoApprove,
			PartialPolicy: submitPartial,
		},
	}

	path := submitFile
	if len(args) == 1 {
		path = args[0]
	}
	switch {
	case path != "":
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("%w: %v", service.ErrValidation, err)
		}
		req.BlobPath = abs
		req.Options.Filename = filepath.Base(path)
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		req.Content = string(data)
	}

	res, err := a.svc.Submit(req)
	if err != nil {
		return err
	}
	logger.Debug("Submitted", zap.String("job", res.JobID), zap.String("status", string(res.Status)))

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(res)
	}
	if res.DuplicateOf != "" {
		fmt.Printf("Duplicate of job %s (status: %s)\n", res.DuplicateOf, res.Status)
		fmt.Println("Use --force to re-ingest.")
		return nil
	}
	fmt.Printf("Job %s created (status: %s)\n", res.JobID, res.Status)
	if !submitAutoApprove {
		fmt.Printf("Approve with: kgraph approve %s\n", res.JobID)
	}
	return nil
}
